// cmd/kv-node is the entrypoint for a single primary/backup replica
// (§6). A process run without --primary starts as the Primary; a
// process run with --primary <host:port> starts as a Backup pointing
// at that address. --single runs a standalone node with no replication
// and no network-port listener at all.
//
// Example — primary plus two backups, all on loopback:
//
//	./kv-node --client-port 6100 --network-port 6200
//	./kv-node --client-port 6102 --network-port 6202 --primary 127.0.0.1:6200 --name backup1
//	./kv-node --client-port 6104 --network-port 6204 --primary 127.0.0.1:6200 --name backup2
//
// Example — standalone, no replication:
//
//	./kv-node --single --client-port 6100
package main

import (
	"context"
	"distributed-kvstore/internal/cluster"
	"distributed-kvstore/internal/diag"
	"distributed-kvstore/internal/logging"
	"distributed-kvstore/internal/store"
	"distributed-kvstore/internal/transport"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

const snapshotInterval = 30 * time.Second

func main() {
	clientPort := flag.Int("client-port", 6100, "client endpoint port")
	networkPort := flag.Int("network-port", 6200, "peer replication endpoint port")
	address := flag.String("address", "127.0.0.1", "bind address")
	primary := flag.String("primary", "", "primary host:port; if set, start as Backup")
	name := flag.String("name", "", "suffix for the store directory (.db_<name>)")
	single := flag.Bool("single", false, "run standalone with no replication and no network port")
	diagPort := flag.Int("diag-port", 6090, "loopback-only diagnostics HTTP port, 0 disables it")
	flag.Parse()

	log := logging.FromEnv(fmt.Sprintf("%s:%d", *address, *networkPort))

	dataDir := dbDir(*name)
	st, err := store.New(dataDir)
	if err != nil {
		log.Errorf("open store at %s: %v", dataDir, err)
		os.Exit(1)
	}
	defer st.Close()

	clientAddr := fmt.Sprintf("%s:%d", *address, *clientPort)
	networkAddr := fmt.Sprintf("%s:%d", *address, *networkPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	simple := transport.NewSimpleSender(log)
	defer simple.Close()
	reliable := transport.NewReliableSender(log)
	defer reliable.Close()

	clientRecv := transport.NewReceiver(clientAddr, 0, log)
	if err := clientRecv.Listen(ctx); err != nil {
		log.Errorf("bind client port %s: %v", clientAddr, err)
		os.Exit(1)
	}

	var networkRecv *transport.Receiver
	var networkInbound <-chan transport.Envelope
	if !*single {
		networkRecv = transport.NewReceiver(networkAddr, 0, log)
		if err := networkRecv.Listen(ctx); err != nil {
			log.Errorf("bind network port %s: %v", networkAddr, err)
			os.Exit(1)
		}
		networkInbound = networkRecv.Inbound()
	}

	// Listeners are bound above, synchronously, so a bind failure exits
	// the process before anything else starts; only the accept loops run
	// in the background from here on.
	go func() {
		if err := clientRecv.Serve(ctx); err != nil {
			log.Errorf("client receiver on %s: %v", clientAddr, err)
		}
	}()
	if networkRecv != nil {
		go func() {
			if err := networkRecv.Serve(ctx); err != nil {
				log.Errorf("network receiver on %s: %v", networkAddr, err)
			}
		}()
	}

	node := cluster.New(cluster.Config{
		SelfAddr:       networkAddr,
		PrimaryAddr:    *primary,
		Single:         *single,
		Store:          st,
		Simple:         simple,
		Reliable:       reliable,
		ClientInbound:  clientRecv.Inbound(),
		NetworkInbound: networkInbound,
		Log:            log,
	})

	go func() {
		if err := node.Run(ctx); err != nil && err != context.Canceled {
			log.Errorf("node loop exited: %v", err)
		}
	}()

	var diagSrv *http.Server
	if *diagPort != 0 {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(diag.Logger(log), diag.Recovery(log))
		diag.NewHandler(node).Register(router)

		diagSrv = &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", *diagPort),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			if err := diagSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnf("diagnostics server: %v", err)
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.WriteSnapshot(); err != nil {
					log.Warnf("snapshot: %v", err)
				}
			}
		}
	}()

	log.Infof("listening: client=%s network=%s role=%s dataDir=%s", clientAddr, networkAddr, node.Role(), dataDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infof("shutting down")
	cancel()

	if diagSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		diagSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if err := st.WriteSnapshot(); err != nil {
		log.Warnf("final snapshot: %v", err)
	}
}

func dbDir(name string) string {
	if name == "" {
		return ".db"
	}
	return fmt.Sprintf(".db_%s", name)
}
