// Package gateway assembles the vend-gateway server.
//
// It owns one connection registry per audience (devices, admins), the
// identity resolver that maps device session tokens to durable
// identities, and the coordinator that bridges the payment event stream
// to live device connections with at-least-once settlement delivery.
//
// Two websocket endpoints are served: /ws/device bootstraps a session
// cookie, resolves the device's identity, and services device-originated
// operations (getState, setCommands, createInvoice); /ws/admin verifies
// the operator's JWT session cookie and services claim and update
// operations while pushing aggregate state on every change.
package gateway
