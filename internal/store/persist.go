package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIndex = []byte("index")
	keyMeta     = []byte("meta")
	keyGraph    = []byte("graph")
)

// indexMeta is the persisted index header.
type indexMeta struct {
	Dim      int
	Metric   Metric
	Entry    uint64
	MaxLevel int
}

// indexGraph is the persisted graph body.
type indexGraph struct {
	Vectors map[uint64][]float32
	Nodes   map[uint64]*hnswNode
	Deleted []uint64
}

// save writes the whole index to path in one bbolt transaction, so the
// on-disk file is always a complete snapshot.
func (ix *hnswIndex) save(path string) error {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer db.Close()

	meta := indexMeta{
		Dim:      ix.dim,
		Metric:   ix.metric,
		Entry:    ix.entry,
		MaxLevel: ix.maxLevel,
	}
	graph := indexGraph{
		Vectors: ix.vectors,
		Nodes:   ix.nodes,
		Deleted: make([]uint64, 0, len(ix.deleted)),
	}
	for id := range ix.deleted {
		graph.Deleted = append(graph.Deleted, id)
	}

	var metaBuf, graphBuf bytes.Buffer
	if err := gob.NewEncoder(&metaBuf).Encode(meta); err != nil {
		return fmt.Errorf("encode index meta: %w", err)
	}
	if err := gob.NewEncoder(&graphBuf).Encode(graph); err != nil {
		return fmt.Errorf("encode index graph: %w", err)
	}

	return db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketIndex) != nil {
			if err := tx.DeleteBucket(bucketIndex); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(bucketIndex)
		if err != nil {
			return err
		}
		if err := b.Put(keyMeta, metaBuf.Bytes()); err != nil {
			return err
		}
		return b.Put(keyGraph, graphBuf.Bytes())
	})
}

// loadHNSWIndex reads an index snapshot from path. The caller decides what
// to do on failure; a missing file returns os.ErrNotExist.
func loadHNSWIndex(path string, dim int, metric Metric) (*hnswIndex, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer db.Close()

	var meta indexMeta
	var graph indexGraph
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		if b == nil {
			return fmt.Errorf("index bucket missing")
		}
		metaBytes := b.Get(keyMeta)
		graphBytes := b.Get(keyGraph)
		if metaBytes == nil || graphBytes == nil {
			return fmt.Errorf("index snapshot incomplete")
		}
		if err := gob.NewDecoder(bytes.NewReader(metaBytes)).Decode(&meta); err != nil {
			return fmt.Errorf("decode index meta: %w", err)
		}
		if err := gob.NewDecoder(bytes.NewReader(graphBytes)).Decode(&graph); err != nil {
			return fmt.Errorf("decode index graph: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if meta.Dim != dim {
		return nil, fmt.Errorf("index dimension %d does not match configured %d", meta.Dim, dim)
	}
	if meta.Metric != metric {
		return nil, fmt.Errorf("index metric %q does not match configured %q", meta.Metric, metric)
	}

	ix := newHNSWIndex(dim, metric)
	ix.entry = meta.Entry
	ix.maxLevel = meta.MaxLevel
	if graph.Vectors != nil {
		ix.vectors = graph.Vectors
	}
	if graph.Nodes != nil {
		ix.nodes = graph.Nodes
	}
	for _, id := range graph.Deleted {
		ix.deleted[id] = struct{}{}
	}
	return ix, nil
}
