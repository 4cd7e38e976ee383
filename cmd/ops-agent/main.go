// Command ops-agent bootstraps the analysis pipeline: it loads
// configuration, configures seelog, constructs the composite Engine,
// starts the Analysis Scheduler, and serves the query/command HTTP
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/cihub/seelog"

	"github.com/opsintel/ops-agent/config"
	"github.com/opsintel/ops-agent/engine"
	"github.com/opsintel/ops-agent/internal/api"
	"github.com/opsintel/ops-agent/internal/statsd"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "opsintel.yaml", "path to the configuration file")
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logStderr("configuration error: %s", err)
		return 1
	}
	defer watcher.Stop()
	conf := watcher.Current()

	if err := setupLogging(conf); err != nil {
		logStderr("logging setup error: %s", err)
		return 1
	}
	defer log.Flush()

	if err := statsd.Configure(conf.StatsdAddr); err != nil {
		log.Warnf("statsd configuration failed, continuing with no-op client: %s", err)
	}

	eng, err := engine.New(conf)
	if err != nil {
		log.Errorf("storage initialization failed: %s", err)
		return 2
	}
	watcher.OnReload(eng.ApplyConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	router := api.NewRouter(eng)
	srv := &http.Server{Addr: conf.HTTPAddr, Handler: router}

	go func() {
		log.Infof("ops-agent: serving query/command surface on %s", conf.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("ops-agent: http server error: %s", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("ops-agent: shutting down")
	_ = srv.Shutdown(context.Background())
	return 0
}

func setupLogging(conf *config.AgentConfig) error {
	level := conf.LogLevel
	if level == "" {
		level = "info"
	}
	// A minimal inline seelog XML config, mirroring the level/file fields
	// the teacher's merge_yaml.go reads from datadog.yaml's LogLevel/
	// LogFilePath.
	xml := `<seelog minlevel="` + level + `"><outputs formatid="main"><console/>`
	if conf.LogFilePath != "" {
		xml += `<file path="` + conf.LogFilePath + `"/>`
	}
	xml += `</outputs><formats><format id="main" format="%Date %Time [%Lev] %Msg%n"/></formats></seelog>`

	logger, err := log.LoggerFromConfigAsBytes([]byte(xml))
	if err != nil {
		return err
	}
	log.ReplaceLogger(logger)
	return nil
}

func logStderr(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
