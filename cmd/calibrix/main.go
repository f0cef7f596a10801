// Command calibrix runs the calibration service: it reads the position
// sensor, drives automatic acquisition and serves the session over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/calibrix/internal/api"
	"github.com/banshee-data/calibrix/internal/config"
	"github.com/banshee-data/calibrix/internal/db"
	"github.com/banshee-data/calibrix/internal/serialmux"
	"github.com/banshee-data/calibrix/internal/session"
	"github.com/banshee-data/calibrix/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON configuration file (defaults to "+config.DefaultConfigPath+" when present)")
	devMode    = flag.Bool("dev", false, "Use the emulated sensor instead of a serial port")
	port       = flag.String("port", "", "Serial port of the position sensor (overrides the config file)")
	dbPath     = flag.String("db", "", "Path to the sqlite database (overrides the config file)")
	listen     = flag.String("listen", "", "HTTP listen address (overrides the config file)")
	versionF   = flag.Bool("version", false, "Print the version and exit")
)

// loadConfig reads path, or the checked-in defaults when path is empty and
// the defaults file exists, or an empty configuration otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadConfig(config.DefaultConfigPath)
	}
	return config.Empty(), nil
}

// applyFlags lets command line values win over the configuration file.
func applyFlags(cfg *config.Config, port, dbPath, listen string) {
	if port != "" {
		cfg.SerialPort = &port
	}
	if dbPath != "" {
		cfg.DBPath = &dbPath
	}
	if listen != "" {
		cfg.Listen = &listen
	}
}

// openSensor picks the sensor source. Without a port and outside dev mode
// the service still runs, with manual commits fed by nothing.
func openSensor(cfg *config.Config, dev bool) (serialmux.SerialMuxInterface, error) {
	if dev {
		return serialmux.NewEmulatedSerialMux(serialmux.EmulatorOptions{}), nil
	}
	p := cfg.GetSerialPort()
	if p == "" {
		log.Printf("no serial port configured, sensor disabled")
		return serialmux.NewDisabledSerialMux(), nil
	}
	return serialmux.NewRealSerialMux(p, cfg.GetSerialOptions())
}

func main() {
	flag.Parse()

	if *versionF {
		log.Printf("calibrix %s", version.String())
		return
	}
	log.Printf("calibrix %s starting", version.String())

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg, *port, *dbPath, *listen)

	sensor, err := openSensor(cfg, *devMode)
	if err != nil {
		log.Fatalf("failed to open sensor: %v", err)
	}
	defer sensor.Close()

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	opts := session.OptionsFromConfig(cfg)
	opts.Repository = database
	sess, err := session.New(opts)
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// serial IO
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sensor.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// sample intake and automatic acquisition
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sess.Run(ctx, sensor); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("session stopped: %v", err)
		}
		log.Print("session routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(sess, sensor).ServeMux()
		sensor.AttachAdminRoutes(mux)
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach database admin routes: %v", err)
		}

		server := &http.Server{
			Addr:              cfg.GetListen(),
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// commits block for the save window, so allow it to drain
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetSaveDuration()+time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("graceful shutdown complete")
}
