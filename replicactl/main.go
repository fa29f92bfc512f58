package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/netstate/replica/replica"
)

const ReplicaCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Replica control.

Usage:
    replicactl serve --secret=<secret> [--port=<port>]
    replicactl client --secret=<secret> [--url=<url>] [--name=<name>]
    replicactl mint-token --secret=<secret> [--name=<name>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --secret=<secret>    Shared HMAC secret for client tokens.
    --port=<port>        Listen port [default: 8080].
    --url=<url>          Server url [default: ws://127.0.0.1:8080/].
    --name=<name>        Client display name [default: replicactl].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicaCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if client_, _ := opts.Bool("client"); client_ {
		client(opts)
	} else if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	}
}

// demo schema: one "status" component with a server-only flag,
// a throttled position and a free-form label
func demoSchema() *replica.Schema {
	return replica.NewSchema(
		replica.RequireNewFieldTable(
			"status",
			&replica.FieldDescriptor{
				FieldId:       1,
				Name:          "health",
				AuthorityOnly: true,
			},
			&replica.FieldDescriptor{
				FieldId:          2,
				Name:             "position",
				ThrottleInterval: 50 * time.Millisecond,
			},
			&replica.FieldDescriptor{
				FieldId: 3,
				Name:    "label",
			},
		),
	)
}

func serve(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	port, _ := opts.String("--port")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverId := replica.NewId()
	schema := demoSchema()
	provider := replica.NewMapProvider()
	registry := replica.NewRegistryWithDefaults(serverId, true)
	tracker := replica.NewChangeTrackerWithDefaults(registry, schema, provider)
	monitor := replica.NewMonitorWithDefaults()
	monitor.Start(ctx)
	defer monitor.Stop()

	var pool *replica.SessionPool
	forward := func(fromClientId replica.Id, frameBytes []byte) {
		pool.Forward(fromClientId, frameBytes)
	}
	dispatcher := replica.NewDispatcherWithDefaults(registry, tracker, provider, schema, false, forward)
	pool = replica.NewSessionPool(ctx, dispatcher, registry, monitor, replica.DefaultSessionPoolSettings([]byte(secret)))
	defer pool.Close()

	pipeline := replica.NewPipelineWithDefaults(pool.PipelineSend())
	scheduler := replica.NewScheduler(
		registry,
		tracker,
		pipeline,
		monitor,
		pool.ObserverIds,
		replica.DefaultSchedulerSettings(),
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// a server-owned demo object that ticks its label
	demoId := replica.NewId()
	provider.AddComponent(demoId, "status")
	if _, err := registry.Register(demoId, serverId); err != nil {
		panic(err)
	}
	tracker.Write(demoId, "status", 1, 100)
	go func() {
		for i := 0; ; i += 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(1 * time.Second):
				tracker.Write(demoId, "status", 3, fmt.Sprintf("tick %d", i))
			}
		}
	}()

	http.HandleFunc("/", pool.HandleUpgrade)
	Out.Printf("serving on :%s (server id %s)\n", port, serverId)
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%s", port), nil); err != nil {
			Err.Fatalf("listen error = %s", err)
		}
	}()

	waitForExit()
}

func client(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	url, _ := opts.String("--url")
	name, _ := opts.String("--name")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientId := replica.NewId()
	token, err := replica.MintClientToken([]byte(secret), clientId, name, 24*time.Hour)
	if err != nil {
		panic(err)
	}

	schema := demoSchema()
	provider := replica.NewMapProvider()
	registry := replica.NewRegistryWithDefaults(clientId, false)
	tracker := replica.NewChangeTrackerWithDefaults(registry, schema, provider)
	monitor := replica.NewMonitorWithDefaults()
	monitor.Start(ctx)
	defer monitor.Stop()

	dispatcher := replica.NewDispatcherWithDefaults(registry, tracker, provider, schema, true, nil)
	session := replica.NewClientSession(ctx, url, token, dispatcher, monitor, replica.DefaultConnectionSettings())
	defer session.Close()

	// spawn a client-owned object. announced on connect and re-announced
	// with a full sync after every reconnect.
	objectId := replica.NewId()
	provider.AddComponent(objectId, "status")
	if _, err := registry.Register(objectId, clientId); err != nil {
		panic(err)
	}

	announce := func() {
		if err := session.Send(&replica.ObjectSpawn{
			IdentityId:     objectId.Bytes(),
			OwnerId:        clientId.Bytes(),
			ComponentTypes: []string{"status"},
		}); err != nil {
			Err.Printf("spawn send error = %s", err)
			return
		}
		tracker.MarkFullSync(objectId)
	}
	session.Connection().AddEventCallback(func(event replica.ConnectionEvent, attempt int) {
		Out.Printf("connection event %s attempt=%d\n", event, attempt)
		switch event {
		case replica.ConnectionEventConnected, replica.ConnectionEventReconnected:
			announce()
		}
	})
	// the connect event may have fired before the callback was added
	if session.Connection().State() == replica.ConnectionStateConnected {
		announce()
	}

	pipeline := replica.NewPipelineWithDefaults(session.PipelineSend())
	scheduler := replica.NewScheduler(
		registry,
		tracker,
		pipeline,
		monitor,
		nil,
		replica.DefaultSchedulerSettings(),
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// stream position updates
	go func() {
		for i := 0; ; i += 1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				tracker.Write(objectId, "status", 2, []float64{float64(i), 0, 0})
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				if snapshot, ok := monitor.LastSnapshot(); ok {
					Out.Printf("quality=%.0f rtt=%s congestion=%s\n",
						snapshot.Quality, snapshot.Rtt, monitor.DetectCongestion())
				}
			}
		}
	}()

	waitForExit()
}

func mintToken(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	name, _ := opts.String("--name")

	clientId := replica.NewId()
	token, err := replica.MintClientToken([]byte(secret), clientId, name, 24*time.Hour)
	if err != nil {
		panic(err)
	}
	Out.Printf("client_id: %s\n", clientId)
	Out.Printf("token: %s\n", token)
}

func waitForExit() {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	<-exit
}
