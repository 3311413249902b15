package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"github.com/tarungka/telepipe/internal/remote"
)

func initFlags(ko *koanf.Koanf, args []string) error {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.StringSlice("config", nil, "path to one or more config files (will be merged in order)")
	f.String("port", "8080", "port to host the web server on")
	f.String("peer.listen", "", "address to accept remote operators on, e.g. :9090")
	f.String("peer.address", "", "address of the peer that runs remote operators")
	f.Duration("peer.claim_timeout", remote.DefaultClaimTimeout, "how long spawned remote operators wait to be claimed")
	f.String("store.dir", "data/events", "directory of the event store, empty for in memory")
	f.String("ledger.path", "data/ledger.db", "path of the run ledger")
	f.String("log.file", "", "also write logs to this file")
	f.Bool("dev", false, "human readable logs")
	f.Bool("version", false, "show current version of the build")
	f.Bool("override", false, "override the command line arguments with the specified config file")

	if err := f.Parse(args); err != nil {
		return fmt.Errorf("error loading flags: %w", err)
	}

	override, _ := f.GetBool("override")
	if !override {
		configs, _ := f.GetStringSlice("config")
		if err := loadFiles(ko, configs); err != nil {
			return err
		}
	}

	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		return fmt.Errorf("error reading flag config: %w", err)
	}
	return nil
}

// initConfig loads the config files named by the flags on top of them.
func initConfig(ko *koanf.Koanf) error {
	log.Info().Msg("Loading configs")
	return loadFiles(ko, ko.Strings("config"))
}

func loadFiles(ko *koanf.Koanf, paths []string) error {
	for _, path := range paths {
		log.Debug().Msgf("Reading config from %s", path)
		var parser koanf.Parser
		fileExtension := path[strings.LastIndex(path, ".")+1:]
		switch fileExtension {
		case "yaml", "yml":
			parser = yaml.Parser()
		case "json":
			parser = json.Parser()
		default:
			return fmt.Errorf("unsupported file extension: %s", path)
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			return fmt.Errorf("error reading config %s: %w", path, err)
		}
		log.Trace().Msg("Successfully read the contents of the config file")
	}
	return nil
}
