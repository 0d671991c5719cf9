// Package notify pushes alerts and unread-count changes to connected
// clients.
//
// Producers publish onto a Broker (in-process, or Redis pub/sub across
// instances) through an Outbox, which queues committed events per course and
// drains each course on one goroutine so alerts keep their creation order.
// The Dispatcher publishes synchronously for callers that already run
// serially, such as the sweeper. Every instance runs a Hub that holds its
// websocket connections and the courses each one subscribed to. A
// subscribe is authorized against the course like any other request, then
// answered with a snapshot of the caller's unread alerts and unread
// questions; later changes arrive as alert and unread-update messages.
//
// Messages carry a per-course sequence number. A client that reconnects, or
// is dropped for falling behind, re-subscribes and starts from a fresh
// snapshot.
package notify
