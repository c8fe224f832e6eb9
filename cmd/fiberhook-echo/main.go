// Command fiberhook-echo is a minimal TCP echo server whose accept and
// connection handling run on the hook surface in the fiberhook package
// (the listening socket itself is set up with golang.org/x/sys/unix
// directly), standing in for the
// HTTP/servlet layer that SPEC_FULL.md treats as an external
// collaborator: it proves the hooks are usable by ordinary,
// synchronous-looking application code without anything beyond
// threading a context through.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/corio-labs/fiberhook"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9109", "address to listen on")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fiberhook.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := fiberhook.NewIOManager()
	if err != nil {
		log.Fatal().Err(err).Msg("create IOManager")
	}
	defer mgr.Close()

	go mgr.Run()

	listenFd, err := listen(*addr)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}

	accepter := fiberhook.NewFiber(ctx, mgr, func(ctx context.Context) {
		acceptLoop(ctx, mgr, listenFd, log)
	})
	accepter.Resume()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	_ = fiberhook.Close(ctx, listenFd)
}

func listen(addr string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	sa, err := parseAddr(addr)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func acceptLoop(ctx context.Context, mgr *fiberhook.IOManager, listenFd int, log zerolog.Logger) {
	for {
		fd, _, err := fiberhook.Accept(ctx, listenFd)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("accept")
			continue
		}

		conn := fiberhook.NewFiber(ctx, mgr, func(ctx context.Context) {
			echo(ctx, fd, log)
		})
		conn.Resume()
	}
}

func echo(ctx context.Context, fd int, log zerolog.Logger) {
	defer fiberhook.Close(ctx, fd)

	buf := make([]byte, 4096)
	for {
		n, err := fiberhook.Read(ctx, fd, buf)
		if err != nil {
			return
		}
		if n == 0 {
			return
		}

		written := 0
		for written < n {
			m, err := fiberhook.Write(ctx, fd, buf[written:n])
			if err != nil {
				log.Error().Err(err).Int("fd", fd).Msg("write")
				return
			}
			written += m
		}
	}
}

// parseAddr turns a "host:port" string into the raw sockaddr Bind/Listen
// want. Ordinary string bookkeeping with no readiness concern, so it
// leans on net/strconv rather than anything in the hook surface.
func parseAddr(addr string) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: port}
	if host == "" || host == "0.0.0.0" {
		return sa, nil
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, &net.AddrError{Err: "not an IPv4 address", Addr: host}
	}
	copy(sa.Addr[:], ip)
	return sa, nil
}
