package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/photomirror/photomirror/internal/config"
	"github.com/photomirror/photomirror/internal/engine"
	"github.com/photomirror/photomirror/internal/source"
	"github.com/photomirror/photomirror/internal/store"
	"github.com/photomirror/photomirror/internal/target"
)

// mirror bundles everything a sync command needs.
type mirror struct {
	store  *store.Store
	engine *engine.Engine

	// localSource is set when the source is a watched directory.
	localSource *source.LocalDir
}

// buildMirror assembles store, source, target and engine from config.
// The caller must call close().
func buildMirror(cfg *config.Config, logger *log.Logger) (*mirror, error) {
	st, err := store.Open(cfg.Sync.DatabasePath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	var src source.Client
	var local *source.LocalDir
	switch cfg.Source.Kind {
	case "http":
		src = source.NewHTTPClient(cfg.Source.BaseURL, cfg.Source.Token, nil)
	case "local":
		local, err = source.NewLocalDir(cfg.Source.Path)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		src = local
	default:
		_ = st.Close()
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}

	tgt := target.NewHTTPClient(cfg.Target.BaseURL, cfg.Target.AccessToken, cfg.Target.RefreshToken, nil)

	eng, err := engine.New(engine.Config{
		Source:         src,
		Target:         tgt,
		Store:          st,
		CollectionName: cfg.Target.Collection,
		DeletionPolicy: engine.DeletionPolicy(cfg.Sync.DeletionPolicy),
		InterItemDelay: cfg.Sync.InterItemDelay,
		Logger:         logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &mirror{store: st, engine: eng, localSource: local}, nil
}

func (m *mirror) close() {
	if m.localSource != nil {
		_ = m.localSource.Close()
	}
	_ = m.store.Close()
}
