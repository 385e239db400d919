// Package cluster distributes chunk compositing to a group of
// workers over net/rpc. The coordinator spawns workers on remote
// machines with ssh; each worker reads tiles itself, so only chunk
// descriptions and composited results cross the network.
package cluster

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ctessum/sparse"

	"github.com/spatialmodel/rastercube"
)

// computeService and exitService are the RPC methods called on
// workers.
const (
	computeService = "Worker.ComputeChunk"
	exitService    = "Worker.Exit"
)

// Cluster manages and distributes work to a group of workers.
// It implements the rastercube.RemoteExecutor interface.
type Cluster struct {
	requestChan     chan *request
	command, logDir string
	rpcPort         string

	// StartupTime specifies how long a worker is expected to take to
	// initialize. The default is 3 minutes.
	StartupTime time.Duration
}

// NewCluster creates a new cluster of workers, where command is the
// shell command that starts a worker process on a remote machine,
// log output will be directed to logDir, and rpcPort is the port
// over which RPC communication will occur.
func NewCluster(command, logDir, rpcPort string) *Cluster {
	return &Cluster{
		requestChan: make(chan *request),
		command:     command,
		logDir:      logDir,
		rpcPort:     rpcPort,
		StartupTime: time.Minute * 3,
	}
}

// Shutdown sends a signal to the workers to exit after all existing
// requests have finished processing.
func (c *Cluster) Shutdown() {
	close(c.requestChan)
}

// NewWorker creates a new worker at addr using the external ssh
// command and prepares it to receive work through RPC calls.
func (c *Cluster) NewWorker(addr string) error {
	if err := c.spawnWorker(addr, c.StartupTime); err != nil {
		return err
	}
	return c.ConnectWorker(addr + ":" + c.rpcPort)
}

// ConnectWorker attaches an already-running worker at addr
// (host:port) to the cluster.
func (c *Cluster) ConnectWorker(addr string) error {
	client, err := rpc.DialHTTP("tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster: while dialing %v: %v", addr, err)
	}
	go func() {
		for req := range c.requestChan {
			req.err = client.Call(computeService, req.task, &req.result)
			req.returnChan <- req
		}
		// Stop the worker after we're done with it.
		client.Call(exitService, 0, new(int))
	}()
	return nil
}

// spawnWorker executes an external process to start a worker at the
// address "addr" using the external "ssh" command. Stdout from the
// worker is routed to the directory "logDir".
func (c *Cluster) spawnWorker(addr string, timeout time.Duration) error {
	log.Println("cluster: spawning worker", addr)
	cmd := exec.Command("ssh", addr, c.command)

	f, err := os.Create(filepath.Join(c.logDir, addr+".log"))
	if err != nil {
		return err
	}
	cmd.Stdout = f
	cmd.Stderr = f

	go func() {
		if err := cmd.Run(); err != nil {
			if err.Error() == "signal: killed" {
				log.Printf("cluster: worker %v expected error: %v", addr, err.Error())
			} else {
				panic(fmt.Errorf("cluster: worker %v error: %v", addr, err.Error()))
			}
		}
	}()
	time.Sleep(timeout) // wait for a while for it to get started
	return nil
}

// ComputeChunk sends one chunk task to the cluster and waits for the
// composited result.
func (c *Cluster) ComputeChunk(ctx context.Context, t *rastercube.ChunkTask) (*sparse.DenseArray, error) {
	req := &request{
		task:       t,
		returnChan: make(chan *request, 1),
	}
	select {
	case c.requestChan <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rr := <-req.returnChan:
		if rr.err != nil {
			return nil, rr.err
		}
		out := sparse.ZerosDense(rr.result.Shape...)
		copy(out.Elements, rr.result.Elements)
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// A ChunkReply carries composited chunk data back from a worker.
// It is a plain struct because the wire format only keeps exported
// fields.
type ChunkReply struct {
	Shape    []int
	Elements []float64
}

// request holds information about one chunk that is to be handled by
// the cluster.
type request struct {
	task       *rastercube.ChunkTask
	result     ChunkReply
	returnChan chan *request
	err        error
}

// PBSNodes reads the contents of $PBS_NODEFILE and returns a list of
// unique nodes.
func PBSNodes() ([]string, error) {
	fname := os.ExpandEnv("$PBS_NODEFILE")
	if fname == "" {
		return nil, fmt.Errorf("cluster: $PBS_NODEFILE not defined")
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	lines, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	nodeMap := make(map[string]string)
	for _, l := range lines {
		nodeMap[l[0]] = ""
	}
	var nodes []string
	for n := range nodeMap {
		nodes = append(nodes, n)
	}
	return nodes, nil
}
