// Command spoolctl talks to a running spoold over its HTTP control API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/arkilian/spool/pkg/types"
)

const usage = `spoolctl - control a spoold daemon

Usage: spoolctl [-addr URL] <command> [options]

Commands:
  enqueue   -parent ID -remote PATH [-id ID] FILE   upload FILE as a new node
  overwrite -id ID -remote PATH FILE                replace node ID with FILE
  cancel    ID                                      cancel a pending upload
  list                                              show pending uploads
  stats                                             show engine and folder stats
  drain     [-timeout 30s]                          wait until nothing is pending
`

func main() {
	addr := flag.String("addr", envOr("SPOOL_ADDR", "http://localhost:8080"), "spoold HTTP address")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	c := &client{base: *addr, http: &http.Client{Timeout: 10 * time.Minute}}
	if err := c.run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "spoolctl: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type client struct {
	base string
	http *http.Client
	out  io.Writer
}

func (c *client) run(cmd string, args []string) error {
	if c.out == nil {
		c.out = os.Stdout
	}
	switch cmd {
	case "enqueue", "overwrite":
		return c.enqueue(cmd, args)
	case "cancel":
		if len(args) != 1 {
			return fmt.Errorf("cancel takes exactly one id")
		}
		return c.do(http.MethodDelete, "/v1/uploads/"+url.PathEscape(args[0]), nil)
	case "list":
		return c.do(http.MethodGet, "/v1/uploads", nil)
	case "stats":
		return c.do(http.MethodGet, "/v1/stats", nil)
	case "drain":
		fs := flag.NewFlagSet("drain", flag.ContinueOnError)
		timeout := fs.Duration("timeout", 30*time.Second, "how long to wait")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return c.do(http.MethodPost, "/v1/drain?timeout="+timeout.String(), nil)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *client) enqueue(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	id := fs.String("id", "", "record id (required for overwrite)")
	parent := fs.String("parent", "", "destination folder node id")
	remotePath := fs.String("remote", "", "remote path of the file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%s takes exactly one file", cmd)
	}

	local, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if *remotePath == "" {
		*remotePath = "/" + filepath.Base(local)
	}

	ref := types.FileRef{
		ID:         *id,
		LocalPath:  local,
		RemotePath: *remotePath,
		ParentID:   *parent,
		Length:     info.Size(),
	}
	path := "/v1/uploads"
	if cmd == "overwrite" {
		path += "/overwrite"
	}
	return c.do(http.MethodPost, path, ref)
}

// do sends body as JSON and copies the response to c.out, indented.
func (c *client) do(method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if len(data) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, data, "", "  ") == nil {
			data = append(pretty.Bytes(), '\n')
		}
		c.out.Write(data)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
