package bridge

import (
	"github.com/dgraph-io/badger/v4"
)

type Server struct {
	db       *badger.DB
	cfg      *Config
	engine   *Engine
	blobs    *BlobStore
	verifier TokenVerifier
}

func NewServer(
	db *badger.DB,
	cfg *Config,
	verifier TokenVerifier,
	blobs *BlobStore,
) *Server {
	return &Server{
		db:       db,
		cfg:      cfg,
		engine:   NewEngine(db, cfg, blobs),
		blobs:    blobs,
		verifier: verifier,
	}
}
