// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avscall/callcore/internal/callerr"
	"github.com/avscall/callcore/internal/callmetrics"
	"github.com/avscall/callcore/internal/codec"
	"github.com/avscall/callcore/internal/config"
	"github.com/avscall/callcore/internal/ecall"
	"github.com/avscall/callcore/internal/mediaflow"
	"github.com/avscall/callcore/internal/obslog"
	"github.com/avscall/callcore/internal/transport"
	"github.com/avscall/callcore/internal/wcall"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callcored %s\n", wcall.LibraryVersion())
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "listen":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: listen command requires an address")
			fmt.Fprintln(os.Stderr, "Usage: callcored listen <addr>")
			os.Exit(1)
		}
		runListen(args[1])

	case "dial":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Error: dial command requires relay-url, user and client")
			fmt.Fprintln(os.Stderr, "Usage: callcored dial <relay-url> <user> <client> [peer-user] [peer-client]")
			os.Exit(1)
		}
		peerUser, peerClient := "", ""
		if len(args) >= 6 {
			peerUser, peerClient = args[4], args[5]
		}
		runDial(args[1], args[2], args[3], peerUser, peerClient)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// runListen starts the reference backend relay (§6 "transport to the
// backend"): a plain WebSocket fan-out server, plus a /metrics endpoint so a
// fleet of dial peers can be observed from one place.
func runListen(addr string) {
	obslog.Configure(obslog.Config{Level: "info", Service: "callcored-relay"})

	relay := transport.NewRelayServer()
	mux := http.NewServeMux()
	mux.Handle("/signal", relay)
	mux.Handle("/metrics", promhttp.Handler())

	obslog.L().Info().Str("addr", addr).Msg("relay: listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("relay: %v", err)
	}
}

// relayTransport adapts transport.RelayClient's (int, error) Backend.Send
// onto the single-error shape wcall.Transport consumes, the same role
// wcall's own instanceSender plays for econn.Sender.
type relayTransport struct {
	client *transport.RelayClient
}

func (r relayTransport) Send(ctx context.Context, convid string, self, dest codec.UserClient, data []byte, transient bool) error {
	_, err := r.client.Send(ctx, convid, self, dest, data, transient)
	return err
}

// runDial connects to a relay as (user, client) and either places a call on
// the demo convid (sent with no destination, so the relay hands it to every
// other connected client; peerUser/peerClient are only printed) or waits to
// receive one, printing every
// application-facing callback as it fires (§6).
func runDial(relayURL, user, client, peerUser, peerClient string) {
	obslog.Configure(obslog.Config{Level: "info", Service: "callcored-peer"})

	conn, err := transport.DialRelay(relayURL, codec.UserClient{UserID: user, ClientID: client})
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	alloc, err := mediaflow.NewPionAllocator()
	if err != nil {
		log.Fatalf("dial: media allocator: %v", err)
	}
	metrics := callmetrics.New(prometheus.NewRegistry())

	const convid = "cmd-callcored-demo"
	var h wcall.Handle
	h = wcall.Create(user, client, config.Default(), relayTransport{client: conn}, alloc, metrics, wcall.Callbacks{
		Ready: func(v string) {
			fmt.Printf("ready: %s\n", v)
		},
		Incoming: func(convid string, msgTime int64, fromUser string, video, shouldRing bool) {
			fmt.Printf("incoming: convid=%s from=%s video=%v\n", convid, fromUser, video)
			if err := wcall.Answer(h, convid, mediaflow.CallVideo, false); err != nil {
				fmt.Printf("answer failed: %v\n", err)
			}
		},
		Answered: func(convid string) {
			fmt.Printf("answered: convid=%s\n", convid)
		},
		MediaEstab: func(convid, peer string) {
			fmt.Printf("media established: convid=%s peer=%s\n", convid, peer)
		},
		Close: func(reason callerr.Reason, convid string, msgTime int64, peer string) {
			fmt.Printf("closed: convid=%s reason=%v peer=%s\n", convid, reason, peer)
		},
		NetworkQuality: func(convid, peer string, quality ecall.Quality, rtt, up, dn float64) {
			fmt.Printf("quality: convid=%s peer=%s q=%v rtt=%.0fms\n", convid, peer, quality, rtt)
		},
		Shutdown: func(handle wcall.Handle) {
			fmt.Println("shutdown complete")
		},
	})
	defer wcall.Destroy(h)

	go func() {
		for {
			convid, data, err := conn.Recv()
			if err != nil {
				obslog.L().Warn().Err(err).Msg("peer: relay recv loop exiting")
				return
			}
			if err := wcall.RecvMsg(h, convid, data, time.Now().UnixMilli(), time.Now().UnixMilli()); err != nil {
				obslog.L().Warn().Err(err).Msg("peer: recv_msg failed")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if peerUser != "" {
		fmt.Printf("dialing %s.%s ...\n", peerUser, peerClient)
		if err := wcall.Start(h, convid, mediaflow.CallVideo, config.ConvOneOnOne, false); err != nil {
			log.Fatalf("dial: start: %v", err)
		}
	} else {
		fmt.Println("waiting for an incoming call... (Ctrl+C to stop)")
	}

	<-sigCh
	fmt.Println("\nshutting down")
}

func showUsage() {
	fmt.Println("callcored - call signaling core demo harness")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callcored listen <addr>")
	fmt.Println("        Run the reference backend relay (WebSocket fan-out + /metrics)")
	fmt.Println()
	fmt.Println("  callcored dial <relay-url> <user> <client> [peer-user] [peer-client]")
	fmt.Println("        Connect to a relay as (user, client). With a peer given, place")
	fmt.Println("        an outgoing call; otherwise wait for an incoming one.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  callcored listen :8080")
	fmt.Println("  callcored dial ws://127.0.0.1:8080/signal bob d1")
	fmt.Println("  callcored dial ws://127.0.0.1:8080/signal alice d1 bob d1")
}
