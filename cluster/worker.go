package cluster

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/rpc"

	"github.com/spatialmodel/rastercube"
	"github.com/spatialmodel/rastercube/tilestore"
)

// A Worker computes chunks on behalf of a cluster coordinator.
// It reads tiles through its own deduplicating cache.
type Worker struct {
	// Engine supplies the tile reader, retry policy, and cache used
	// for chunk compositing.
	Engine *rastercube.Engine

	quit chan struct{}
}

// NewWorker creates a worker that reads tiles from store.
func NewWorker(store tilestore.Reader) *Worker {
	return &Worker{
		Engine: &rastercube.Engine{Tiles: store},
		quit:   make(chan struct{}),
	}
}

// ComputeChunk composites the requested chunk. It is called remotely
// by the cluster coordinator.
func (w *Worker) ComputeChunk(task *rastercube.ChunkTask, result *ChunkReply) error {
	out, err := rastercube.ComputeChunkTask(context.Background(), task, w.Engine.CachedTiles())
	if err != nil {
		return err
	}
	result.Shape = out.Shape
	result.Elements = out.Elements
	return nil
}

// Exit signals the worker to stop listening. It is called remotely
// by the cluster coordinator when the cluster shuts down.
func (w *Worker) Exit(unused int, reply *int) error {
	close(w.quit)
	return nil
}

// Listen registers the worker's RPC services and serves requests on
// the given port until Exit is called.
func (w *Worker) Listen(rpcPort string) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName("Worker", w); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, srv)
	l, err := net.Listen("tcp", ":"+rpcPort)
	if err != nil {
		return fmt.Errorf("cluster: worker listening on port %s: %v", rpcPort, err)
	}
	go func() {
		<-w.quit
		l.Close()
	}()
	err = http.Serve(l, mux)
	select {
	case <-w.quit:
		return nil // closed deliberately
	default:
		return err
	}
}
