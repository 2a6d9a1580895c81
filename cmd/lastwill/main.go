// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main runs the will-delivery engine: it wires the session store,
// the outbound router and the sweep engine together, recovers pending wills
// from the store and serves metrics until shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/turtacn/lastwill/pkg/clientsession"
	"github.com/turtacn/lastwill/pkg/config"
	"github.com/turtacn/lastwill/pkg/delivery"
	"github.com/turtacn/lastwill/pkg/metrics"
	"github.com/turtacn/lastwill/pkg/server"
	"github.com/turtacn/lastwill/pkg/wills"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML or JSON configuration file")
	flag.Parse()

	log.Println("Starting last-will delivery engine...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Session store ---
	var sessions clientsession.Store
	switch cfg.Broker.Storage.Backend {
	case config.BackendPostgres:
		pg := cfg.Broker.Storage.Postgres
		store, err := clientsession.NewPostgresStore(ctx, clientsession.PostgresOptions{
			Host:         pg.Host,
			Port:         pg.Port,
			Username:     pg.Username,
			Password:     pg.Password,
			Database:     pg.Database,
			SSLMode:      pg.SSLMode,
			MaxOpenConns: pg.MaxOpenConns,
			MaxIdleConns: pg.MaxIdleConns,
		})
		if err != nil {
			log.Fatalf("Failed to open PostgreSQL session store: %v", err)
		}
		defer store.Close()
		sessions = store
		log.Printf("[INFO] Using PostgreSQL session store at %s:%d/%s", pg.Host, pg.Port, pg.Database)
	default:
		sessions = clientsession.NewMemoryStore(nil)
		log.Println("[INFO] Using in-memory session store")
	}

	// --- Outbound pipeline and engine ---
	router := delivery.NewRouter()
	engine := wills.NewEngine(wills.Options{
		Publisher:     router,
		Sessions:      sessions,
		SweepInterval: time.Duration(cfg.Broker.WillSweepIntervalSeconds) * time.Second,
	})
	defer engine.Close()

	// Recover pending wills from the store. A read failure at startup is
	// fatal: running with an empty registry would silently drop wills.
	if err := <-engine.Reset(ctx); err != nil {
		log.Fatalf("Failed to recover pending wills: %v", err)
	}

	// --- MQTT listener ---
	srv := server.New(server.Options{
		Router:            router,
		Sessions:          sessions,
		Engine:            engine,
		MaxInflightWindow: cfg.Broker.MaxInflightWindow,
		BrokerID:          cfg.Broker.BrokerID,
	})
	go func() {
		if err := srv.Listen(ctx, cfg.Broker.MQTTPort); err != nil {
			log.Fatalf("MQTT listener failed: %v", err)
		}
	}()

	// --- Metrics server ---
	go metrics.Serve(cfg.Broker.MetricsPort)

	// --- Wait for shutdown signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
}
