// Package remotetest provides an in-memory remote.Client with scripted
// failures for engine tests.
package remotetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/spool/internal/remote"
	"github.com/arkilian/spool/pkg/types"
)

// RootID is the id of the fake's root folder.
const RootID = "root"

// Client is an in-memory remote.Client.
//
// Transfers read the whole source, reporting progress per chunk, then consult
// the scripted outcomes queued with FailNext/ReturnNil. When a gate is set
// with Block, transfers wait on it after reading until Unblock is called or
// their context is done.
type Client struct {
	mu       sync.Mutex
	nodes    map[string]*types.Node
	content  map[string][]byte
	outcomes []outcome
	gate     chan struct{}

	lookupErr error

	transfers   int
	inFlight    map[string]int
	peakPerName int
	active      int
	peakActive  int

	// Started receives the target name (new uploads) or id (overwrites) of every
	// transfer as it begins. Sends never block; size the buffer for the test.
	Started chan string

	// ChunkSize is the read size used while consuming sources.
	ChunkSize int
}

type outcome struct {
	err     error
	nilNode bool
}

// NewClient returns a fake with an empty root folder.
func NewClient() *Client {
	c := &Client{
		nodes:     map[string]*types.Node{},
		content:   map[string][]byte{},
		inFlight:  map[string]int{},
		Started:   make(chan string, 256),
		ChunkSize: 32,
	}
	c.nodes[RootID] = &types.Node{ID: RootID, IsDir: true}
	return c
}

// AddFolder creates a folder node.
func (c *Client) AddFolder(id, parentID, name string) *types.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := &types.Node{ID: id, ParentID: parentID, Name: name, IsDir: true, ModifiedAt: time.Now()}
	c.nodes[id] = n
	return n
}

// AddFile creates a file node holding data.
func (c *Client) AddFile(id, parentID, name string, data []byte) *types.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := &types.Node{ID: id, ParentID: parentID, Name: name, Size: int64(len(data)), ModifiedAt: time.Now()}
	c.nodes[id] = n
	c.content[id] = append([]byte(nil), data...)
	return n
}

// FailNext makes the next len(errs) transfers fail with errs in order.
func (c *Client) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range errs {
		c.outcomes = append(c.outcomes, outcome{err: err})
	}
}

// ReturnNil makes the next n transfers succeed without returning a node.
func (c *Client) ReturnNil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.outcomes = append(c.outcomes, outcome{nilNode: true})
	}
}

// SetLookupError makes GetNode and GetChild fail with err (nil clears it).
func (c *Client) SetLookupError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookupErr = err
}

// Block makes subsequent transfers wait until Unblock.
func (c *Client) Block() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
}

// Unblock releases transfers waiting on the gate.
func (c *Client) Unblock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// Transfers returns the number of transfers started.
func (c *Client) Transfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers
}

// PeakConcurrentPerTarget returns the highest number of simultaneous transfers
// seen for a single target.
func (c *Client) PeakConcurrentPerTarget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakPerName
}

// PeakConcurrent returns the highest number of simultaneous transfers.
func (c *Client) PeakConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// Content returns the stored bytes of file id.
func (c *Client) Content(id string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.content[id]
	return b, ok
}

// GetNode implements remote.Client.
func (c *Client) GetNode(ctx context.Context, id string) (*types.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	if n, ok := c.nodes[id]; ok {
		cp := *n
		return &cp, nil
	}
	return nil, nil
}

// GetChild implements remote.Client.
func (c *Client) GetChild(ctx context.Context, parentID, name string) (*types.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	return c.childLocked(parentID, name), nil
}

func (c *Client) childLocked(parentID, name string) *types.Node {
	for _, n := range c.nodes {
		if n.ParentID == parentID && n.Name == name && n.ID != RootID {
			cp := *n
			return &cp
		}
	}
	return nil
}

// UploadNew implements remote.Client.
func (c *Client) UploadNew(ctx context.Context, parentID, name string, src remote.ContentSource, progress remote.ProgressFunc) (*types.Node, error) {
	data, oc, err := c.transfer(ctx, name, src, progress)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if oc.err != nil {
		return nil, oc.err
	}
	parent, ok := c.nodes[parentID]
	if !ok || !parent.IsDir {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, parentID)
	}
	if c.childLocked(parentID, name) != nil {
		return nil, fmt.Errorf("%w: %s", remote.ErrConflict, name)
	}
	n := &types.Node{ID: uuid.NewString(), ParentID: parentID, Name: name, Size: int64(len(data)), ModifiedAt: time.Now()}
	c.nodes[n.ID] = n
	c.content[n.ID] = data
	if oc.nilNode {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

// Overwrite implements remote.Client.
func (c *Client) Overwrite(ctx context.Context, id string, src remote.ContentSource, progress remote.ProgressFunc) (*types.Node, error) {
	data, oc, err := c.transfer(ctx, id, src, progress)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if oc.err != nil {
		return nil, oc.err
	}
	n, ok := c.nodes[id]
	if !ok || n.IsDir {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, id)
	}
	n.Size = int64(len(data))
	n.ModifiedAt = time.Now()
	c.content[id] = data
	if oc.nilNode {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (c *Client) transfer(ctx context.Context, target string, src remote.ContentSource, progress remote.ProgressFunc) ([]byte, outcome, error) {
	c.mu.Lock()
	c.transfers++
	c.inFlight[target]++
	c.peakPerName = max(c.peakPerName, c.inFlight[target])
	c.active++
	c.peakActive = max(c.peakActive, c.active)
	var oc outcome
	if len(c.outcomes) > 0 {
		oc = c.outcomes[0]
		c.outcomes = c.outcomes[1:]
	}
	gate := c.gate
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight[target]--
		c.active--
		c.mu.Unlock()
	}()

	select {
	case c.Started <- target:
	default:
	}

	in, err := src()
	if err != nil {
		return nil, oc, err
	}
	defer in.Close()

	r := remote.NewProgressReader(ctx, in, progress)
	var data []byte
	buf := make([]byte, max(c.ChunkSize, 1))
	for {
		n, err := r.Read(buf)
		data = append(data, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, oc, err
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, oc, ctx.Err()
		}
	}
	return data, oc, nil
}

var _ remote.Client = (*Client)(nil)
