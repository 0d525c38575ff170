// Package fanout is the subscription fan-out layer of an IoT platform cluster.
//
// Client sessions subscribe to entity data (time-series, attributes, alarms,
// alarm status, notifications) on whichever node they are connected to.
// Every entity belongs to a partition and every partition to exactly one
// node. The node-local registry aggregates its sessions' interest per entity
// and sends the partition owner delta events; the owner's subscription
// manager merges the interest of all nodes and forwards each update only to
// nodes interested in it, narrowed to what they asked for.
//
// # Quick Start
//
//	cfg := fanout.DefaultConfig()
//	cfg.NodeID = "node-0"
//
//	svc, err := fanout.NewService(natsConn, cfg,
//	    fanout.WithLogger(fanout.NewSlogLogger(slog.Default())),
//	    fanout.WithStores(stores),
//	    fanout.WithSessionTransport(sessions),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Stop(context.Background())
//
//	sub := svc.NewSubscription(fanout.SubscriptionParams{
//	    Identity: fanout.Identity{
//	        SessionID:      "session-1",
//	        SubscriptionID: 1,
//	        TenantID:       "tenant-1",
//	        EntityID:       "device-1",
//	        Kind:           fanout.KindTimeseries,
//	    },
//	    KeyStates: map[string]int64{"temperature": 0},
//	    Handler: func(ctx context.Context, sub *fanout.Subscription, u fanout.Update) {
//	        // push u.Values to the session
//	    },
//	})
//	if err := svc.Subscribe(ctx, sub); err != nil {
//	    log.Printf("subscribe rejected: %v", err)
//	}
//
// # Architecture
//
// Nodes exchange DELTA, RECORDED, UPDATE and SOURCE_UPDATE messages over one
// JetStream stream, each node consuming its own subjects through a durable
// pull consumer. Node liveness is tracked through heartbeats in a JetStream
// KV bucket; when the node set changes the partition ring is rebuilt, the
// managers drop state of partitions they lost, and every registry
// republishes its interest so new owners learn it.
//
// A time-series or attribute subscription that causes a delta is held
// pending until the owner acknowledges it with the entity's last update
// timestamps. If updates happened after the subscription was created, the
// missed values are read from the configured stores before buffered live
// updates are replayed.
package fanout
