// Package gin provides a Gin-compatible adapter for the relayed-call
// controller server. This package is a thin adapter that mounts the
// controller's phase routes on a gin router and delegates all protocol
// logic, including gateway authentication, to the http package handlers.
package gin

import (
	"github.com/gin-gonic/gin"

	relayhttp "github.com/relaykit/relaymeter/http"
)

// Mount registers the controller server's protocol routes on r:
// POST /evaluate, POST /reserve, POST /settle and GET /supported.
//
// Example usage:
//
//	srv, err := relayhttp.NewControllerServer(relayhttp.ServerConfig{
//	    Controller:        ctrl,
//	    GatewayIdentity:   "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	    GatewayCredential: os.Getenv("RELAY_GATEWAY_TOKEN"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r := gin.Default()
//	ginrelay.Mount(r, srv)
func Mount(r gin.IRouter, srv *relayhttp.ControllerServer) {
	r.POST("/evaluate", gin.WrapH(srv.EvaluateHandler()))
	r.POST("/reserve", gin.WrapH(srv.ReserveHandler()))
	r.POST("/settle", gin.WrapH(srv.SettleHandler()))
	r.GET("/supported", gin.WrapH(srv.SupportedHandler()))
}
