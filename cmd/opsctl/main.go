// opsctl is a thin diagnostic dialer for the agent's services. It speaks
// the same wire protocol as the handlers via internal/client; presentation
// is deliberately minimal.
//
// Usage:
//
//	opsctl -identity operator.json exec uname -a
//	opsctl -identity operator.json put ./firmware.bin updates/firmware.bin
//	opsctl -identity operator.json get logs/device.log ./device.log
//	opsctl -identity operator.json forward 127.0.0.1:9090 [host:port]
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/jutper01/openziti-remote-maintenance/internal/client"
	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
	"github.com/jutper01/openziti-remote-maintenance/internal/transport"
)

func main() {
	identity := flag.String("identity", os.Getenv("OPS_OPERATOR_IDENTITY"), "enrolled overlay identity file")
	tcpAddr := flag.String("tcp", "", "dial a tcp-mode agent at host:port (development only)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	dialer, err := buildDialer(*identity, *tcpAddr, args[0])
	if err != nil {
		log.Fatalf("[OPSCTL] %v", err)
	}
	c := client.New(dialer)

	switch args[0] {
	case "exec":
		if len(args) < 2 {
			usage()
		}
		runExec(c, args[1], args[2:])
	case "put":
		if len(args) != 3 {
			usage()
		}
		if err := c.Upload(args[1], args[2]); err != nil {
			log.Fatalf("[OPSCTL] %v", err)
		}
		fmt.Printf("uploaded %s -> %s\n", args[1], args[2])
	case "get":
		if len(args) != 3 {
			usage()
		}
		if err := c.Download(args[1], args[2]); err != nil {
			log.Fatalf("[OPSCTL] %v", err)
		}
		fmt.Printf("downloaded %s -> %s\n", args[1], args[2])
	case "forward":
		if len(args) < 2 || len(args) > 3 {
			usage()
		}
		target := ""
		if len(args) == 3 {
			target = args[2]
		}
		runForward(c, args[1], target)
	default:
		usage()
	}
}

func runExec(c *client.Client, command string, args []string) {
	result, err := c.Exec(command, args)
	if err != nil {
		log.Fatalf("[OPSCTL] %v", err)
	}
	if !result.Allowed {
		fmt.Fprintf(os.Stderr, "denied: %s\n", result.Error)
		os.Exit(1)
	}
	if result.Stdout != "" {
		fmt.Print(result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(os.Stderr, result.Stderr)
	}
	if result.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", result.Error)
	}
	os.Exit(result.ExitCode)
}

// runForward listens locally and relays each accepted connection through a
// fresh tunnel to the agent's target.
func runForward(c *client.Client, listenAddr, target string) {
	var host *string
	var port *int
	if target != "" {
		h, p, err := net.SplitHostPort(target)
		if err != nil {
			log.Fatalf("[OPSCTL] invalid target %q: %v", target, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			log.Fatalf("[OPSCTL] invalid target port %q: %v", p, err)
		}
		host, port = &h, &n
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatalf("[OPSCTL] listen %s: %v", listenAddr, err)
	}
	defer ln.Close()
	log.Printf("[OPSCTL] forwarding %s through the agent", ln.Addr())

	for {
		local, err := ln.Accept()
		if err != nil {
			log.Fatalf("[OPSCTL] accept: %v", err)
		}
		go func() {
			defer local.Close()
			tunnel, err := c.OpenTunnel(host, port)
			if err != nil {
				log.Printf("[OPSCTL] tunnel: %v", err)
				return
			}
			defer tunnel.Close()
			pipe(local, tunnel)
		}()
	}
}

// pipe copies both directions until both sides finish.
func pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		a.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		b.Close()
	}()
	wg.Wait()
}

// buildDialer picks the overlay backend. tcp mode maps the one service the
// subcommand uses onto the given address.
func buildDialer(identity, tcpAddr, subcommand string) (transport.Dialer, error) {
	if tcpAddr != "" {
		service := map[string]string{
			"exec":    protocol.ServiceExec,
			"put":     protocol.ServiceFiles,
			"get":     protocol.ServiceFiles,
			"forward": protocol.ServiceForward,
		}[subcommand]
		return &transport.TCPDialer{Addrs: map[string]string{service: tcpAddr}}, nil
	}
	if identity == "" {
		return nil, fmt.Errorf("no -identity given (or OPS_OPERATOR_IDENTITY) and no -tcp address")
	}
	return transport.LoadZiti(identity)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  opsctl [-identity file | -tcp host:port] exec <command> [args...]
  opsctl [-identity file | -tcp host:port] put <local> <remote>
  opsctl [-identity file | -tcp host:port] get <remote> <local>
  opsctl [-identity file | -tcp host:port] forward <listen-addr> [host:port]`)
	os.Exit(2)
}
