// Command molnode runs a single broker node, optionally hosting a demo
// "greeter" service, for manual testing against a real NATS server.
package main

import (
	"context"
	"flag"
	"log"

	pub "github.com/tenzoki/molbroker/public/broker"
)

func main() {
	var (
		namespace   = flag.String("namespace", "", "subject namespace prefix")
		nodeID      = flag.String("node-id", "", "override the generated node id")
		transporter = flag.String("transporter", "nats://localhost:4222", "NATS connection URL")
		debug       = flag.Bool("debug", false, "enable verbose trace logging")
		demo        = flag.Bool("demo", false, "host a demo greeter service")
	)
	flag.Parse()

	opts := []pub.Option{
		pub.WithNamespace(*namespace),
		pub.WithTransporter(*transporter),
		pub.WithDebug(*debug),
	}
	if *nodeID != "" {
		opts = append(opts, pub.WithNodeID(*nodeID))
	}
	cfg := pub.BuildConfig(opts...)

	node, err := pub.Connect(cfg)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	if *demo {
		if err := node.AddService(greeterService()); err != nil {
			log.Fatalf("add service: %v", err)
		}
	}

	ctx := context.Background()
	if err := node.StartWithShutdownSignal(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	log.Printf("molnode %s listening, namespace=%q", cfg.NodeID, cfg.Namespace)

	select {}
}

// greeterService hosts one event ("printHi") and one action
// ("mathAdd"), mirroring the scenarios used to validate emit/broadcast
// and call/reply dispatch.
func greeterService() *pub.Service {
	return &pub.Service{
		Name:    "greeter",
		Version: "1",
		Events: map[string]*pub.Event{
			"printHi": {
				Name: "printHi",
				Callback: func(ctx *pub.EventContext) error {
					log.Printf("printHi from %s: %v", ctx.Sender, ctx.Params)
					return nil
				},
			},
		},
		Actions: map[string]*pub.Action{
			"mathAdd": {
				Name: "mathAdd",
				Callback: func(ctx *pub.ActionContext) {
					params, _ := ctx.Params.(map[string]any)
					a, _ := params["a"].(float64)
					b, _ := params["b"].(float64)
					ctx.Reply(a+b, nil)
				},
			},
		},
	}
}
