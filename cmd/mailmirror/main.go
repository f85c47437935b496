package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailmirror/internal/config"
	"github.com/brandon/mailmirror/internal/credential"
	"github.com/brandon/mailmirror/internal/engine"
	"github.com/brandon/mailmirror/internal/event"
	"github.com/brandon/mailmirror/internal/index"
	"github.com/brandon/mailmirror/internal/policy"
	"github.com/brandon/mailmirror/internal/remote"
	"github.com/brandon/mailmirror/pkg/types"
)

var (
	version = "dev"

	showVersion   = flag.Bool("version", false, "Show version information")
	configPath    = flag.String("config", "", "Path to configuration file")
	modeOverride  = flag.String("mode", "", "Override the configured operation mode")
	folderList    = flag.String("folders", "INBOX", "Comma-separated folders to mirror")
	searchTerm    = flag.String("search", "", "Search the mirrored folders instead of syncing")
	rebuildIndex  = flag.Bool("rebuild-index", false, "Rebuild the search index from the local store")
	setCredential = flag.Bool("set-credential", false, "Read a secret from stdin and store it in the system keyring")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailmirror version %s\n", version)
		os.Exit(0)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if *modeOverride != "" {
		cfg.Mode = *modeOverride
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if *setCredential {
		storeCredential(cfg, logger)
		return
	}

	mode, err := cfg.OperationMode()
	if err != nil {
		logger.WithError(err).Fatal("Invalid operation mode")
	}

	if cfg.Secret == "" && mode != policy.Offline {
		secret, err := credential.Get(credential.Key(cfg.Username, cfg.Host))
		if err != nil {
			logger.WithError(err).Fatal("No inline secret and no stored credential")
		}
		cfg.Secret = secret
	}

	var resolver types.Resolver
	if mode != policy.Offline {
		resolver = remote.NewManager(cfg, logger)
	}

	var idx *index.Index
	if cfg.SearchIndex {
		idx, err = index.Open(filepath.Join(cfg.Root, "index.db"), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open search index")
		}
	}

	store, err := engine.OpenSession(cfg.SessionKey(), func() (*engine.Store, error) {
		return engine.Open(engine.Options{
			Root:             cfg.Root,
			Mode:             mode,
			Resolver:         resolver,
			CacheAttachments: cfg.CacheAttachments,
			Index:            idx,
			Logger:           logger,
		})
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer store.Close()

	store.Subscribe(event.ListenerFunc(func(e event.Event) {
		logger.WithFields(logrus.Fields{
			"source":     e.Source,
			"kind":       e.Kind.String(),
			"path":       e.Path,
			"message_id": e.MessageID,
		}).Debug("Change event")
	}))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- run(store, idx, cfg, logger)
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-done:
		if err != nil {
			logger.WithError(err).Error("Run failed")
		}
	}

	logger.Info("Shutting down")
}

func run(store *engine.Store, idx *index.Index, cfg *config.Config, logger *logrus.Logger) error {
	if *rebuildIndex {
		if idx == nil {
			return fmt.Errorf("search index is disabled")
		}
		logger.Info("Rebuilding search index")
		return idx.Rebuild(store.Root())
	}

	for _, name := range strings.Split(*folderList, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := mirrorFolder(store, name, logger); err != nil {
			return err
		}
	}
	return nil
}

func mirrorFolder(store *engine.Store, name string, logger *logrus.Logger) error {
	f := store.GetFolder(name)
	if err := f.Open(*searchTerm != ""); err != nil {
		return err
	}
	defer f.Close(false) //nolint:errcheck

	if *searchTerm != "" {
		hits, err := f.Search(*searchTerm)
		if err != nil {
			return err
		}
		for _, m := range hits {
			fmt.Printf("%s\t%s\t%s\n", name, m.ID(), m.Subject())
		}
		return nil
	}

	msgs, err := f.Messages()
	if err != nil {
		return err
	}
	total, err := f.MessageCount()
	if err != nil {
		return err
	}
	unread, err := f.UnreadMessageCount()
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"folder":   name,
		"messages": len(msgs),
		"total":    total,
		"unread":   unread,
	}).Info("Folder mirrored")
	return nil
}

func storeCredential(cfg *config.Config, logger *logrus.Logger) {
	if cfg.Username == "" || cfg.Host == "" {
		logger.Fatal("Username and host are required to store a credential")
	}
	fmt.Fprint(os.Stderr, "Secret: ")
	reader := bufio.NewReader(os.Stdin)
	secret, err := reader.ReadString('\n')
	if err != nil {
		logger.WithError(err).Fatal("Failed to read secret")
	}
	key := credential.Key(cfg.Username, cfg.Host)
	if err := credential.Set(key, strings.TrimRight(secret, "\r\n")); err != nil {
		logger.WithError(err).Fatal("Failed to store credential")
	}
	logger.WithField("key", key).Info("Credential stored")
}
