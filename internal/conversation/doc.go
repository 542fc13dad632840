// Package conversation implements direct messaging between two users.
//
// # Overview
//
// The Service sits between the gateway (HTTP and WebSocket handlers) and the
// store. It owns four concerns:
//
//   - Registry: one conversation per unordered pair of users
//   - Pipeline: validating, persisting and fanning out messages
//   - Receipts: moving messages through sent, delivered and read
//   - Directory: conversation lists, message history and user search
//
// # Identity
//
// A conversation's ID is derived from its participants:
//
//	identity.ConversationID("bob", "alice") == "alice_bob"
//
// FindOrCreate upserts on that ID, so concurrent first contacts converge on
// a single record without a read-then-write race.
//
// # Sending
//
// Send runs in this order:
//
//  1. Validate content, type and target
//  2. Replay the original message if the idempotency key was seen before
//  3. Resolve both users and the conversation
//  4. Persist the message, move the last-message pointer, bump the
//     receiver's unread counter
//  5. Publish newMessage to the receiver's mailbox, messageSent to the
//     sender's mailbox and receiveMessage to the conversation room
//
// Steps 4 and 5 hold a per-conversation lock, so events for one conversation
// leave in the order messages were stored. Different conversations proceed
// in parallel. A failure in step 4 returns an error and publishes nothing; a
// failure in step 5 is logged and ignored.
//
// # Errors
//
// Every error returned by the Service is a *chaterr.Error. Store not-found
// errors become chaterr.KindNotFound; any other store failure becomes
// chaterr.KindStoreUnavailable.
package conversation
