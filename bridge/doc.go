// Package bridge provides request-reply on top of the message bus.
//
// A request carries a Tx-Id and the Reply-To address of the requester. The
// Responder publishes its answer to that address with the same Tx-Id and a
// Status-Code header, and the requesting Bridge hands it to whoever is waiting
// on that Tx-Id.
//
// Basic usage:
//
//	b, err := bridge.NewBridge(conn, "gateway:replies.gw-1")
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	reply, err := b.Request(ctx, "orders:create", headers, body, 5*time.Second)
//
// Each pending request completes exactly once: with its reply, with a timeout
// or, when the bridge closes, with an error wrapping contracts.ErrAlreadyClosed.
// Replies arriving after that are logged and dropped.
package bridge
