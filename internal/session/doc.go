// Package session runs the protocol for one viewer connection.
//
// A Session registers its key with the registry, then loops relaying count
// updates to the client while watching inbound frames and an idle/max-life
// timer. Whatever ends the loop, the session unregisters before closing.
package session
