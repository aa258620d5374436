package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/arkilian/spool/pkg/types"
)

// Client calls spool.v1.Control over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

// Enqueue submits ref and returns the record id.
func (c *Client) Enqueue(ctx context.Context, ref types.FileRef, overwrite bool, opts ...grpc.CallOption) (string, error) {
	in, err := structpb.NewStruct(map[string]any{
		"id":          ref.ID,
		"local_path":  ref.LocalPath,
		"remote_path": ref.RemotePath,
		"parent_id":   ref.ParentID,
		"length":      float64(ref.Length),
		"overwrite":   overwrite,
	})
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, "Enqueue", in, out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Cancel(ctx context.Context, id string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Cancel", wrapperspb.String(id), new(emptypb.Empty), opts...)
}

// Drain blocks until the engine is idle or ctx ends.
func (c *Client) Drain(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Drain", &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// List returns one map per pending record.
func (c *Client) List(ctx context.Context, opts ...grpc.CallOption) ([]map[string]any, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "List", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		items = append(items, v.GetStructValue().AsMap())
	}
	return items, nil
}
