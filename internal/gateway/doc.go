// Package gateway runs the client-facing server of the proxy.
//
// A Gateway owns the TLS listener and the http.Server on top of it. The
// listener yields only connections whose handshake succeeded; the server
// stores each connection's TLS session in the request context through the
// listener's session registry, so handlers can read the client identity.
//
// # Usage
//
//	gw, err := gateway.New(gateway.ConfigFromListener(cfg.Listener), terminator, handler,
//	    gateway.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background())
package gateway
