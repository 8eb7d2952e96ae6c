// Package server is the network side of roomchat: HTTP routes, WebSocket
// clients, and one Hub per room that serializes every event into the
// room's chat.Room.
//
// Configuration lives in a package-level Config set through SetConfig;
// rooms are opened lazily through a Rooms registry over one storage engine.
package server
