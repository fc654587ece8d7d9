// Command slam-fetch queries a running slamserver and writes the result to a
// file or stdout.
//
// Usage:
//
//	go run ./cmd/tools/slam-fetch --addr localhost:8085 --what pcd --stream --out map.pcd
//
// --what selects the query:
//
//	position   current pose, printed as YAML
//	pcd        point cloud map (binary PCD)
//	jpeg       top-down raster of the map
//	color-pcd  height-coloured point cloud map
//	state      full engine state dump
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/slamserver/internal/slam/rpc"
	"github.com/banshee-data/slamserver/internal/version"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	addr    string
	name    string
	what    string
	stream  bool
	marker  bool
	out     string
	timeout time.Duration
}

// positionDoc is the YAML rendering of a GetPosition reply.
type positionDoc struct {
	ComponentReference string             `yaml:"component_reference"`
	Pose               map[string]float64 `yaml:"pose"`
	Quat               map[string]float64 `yaml:"quat"`
}

func run(args []string, stdout io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("slam-fetch", pflag.ContinueOnError)
	flagSet.StringVar(&opts.addr, "addr", "localhost:8085", "slamserver gRPC address")
	flagSet.StringVar(&opts.name, "name", "slam", "component name sent with each request")
	flagSet.StringVar(&opts.what, "what", "position", "query: position, pcd, jpeg, color-pcd or state")
	flagSet.BoolVar(&opts.stream, "stream", false, "use the streaming call (pcd and state only)")
	flagSet.BoolVar(&opts.marker, "marker", true, "draw the robot marker on jpeg maps")
	flagSet.StringVarP(&opts.out, "out", "o", "", "output file (default: stdout)")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	conn, err := rpc.Dial(opts.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.addr, err)
	}
	defer conn.Close()
	client := rpc.NewClient(conn, opts.name)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	payload, err := fetch(ctx, client, opts)
	if err != nil {
		return err
	}

	if opts.out == "" {
		_, err = stdout.Write(payload)
		return err
	}
	if err := os.WriteFile(opts.out, payload, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", opts.out, err)
	}
	fmt.Fprintf(stdout, "wrote %d bytes to %s\n", len(payload), opts.out)
	return nil
}

func fetch(ctx context.Context, client *rpc.Client, opts options) ([]byte, error) {
	switch opts.what {
	case "position":
		pos, err := client.GetPosition(ctx)
		if err != nil {
			return nil, err
		}
		q := pos.Pose.Orientation
		return yaml.Marshal(positionDoc{
			ComponentReference: pos.ComponentReference,
			Pose:               map[string]float64{"x": pos.Pose.X, "y": pos.Pose.Y, "z": pos.Pose.Z},
			Quat:               map[string]float64{"real": q.Real, "imag": q.Imag, "jmag": q.Jmag, "kmag": q.Kmag},
		})
	case "pcd":
		if opts.stream {
			return client.GetPointCloudMapStream(ctx)
		}
		return client.GetPointCloudMap(ctx)
	case "state":
		if opts.stream {
			return client.GetInternalStateStream(ctx)
		}
		return client.GetInternalState(ctx)
	case "jpeg", "color-pcd":
		if opts.stream {
			return nil, fmt.Errorf("--stream is not supported for %s", opts.what)
		}
		mime := rpc.MimeTypeJPEG
		if opts.what == "color-pcd" {
			mime = rpc.MimeTypePCD
		}
		buf, _, err := client.GetMap(ctx, mime, opts.marker)
		return buf, err
	default:
		return nil, fmt.Errorf("unknown query %q", opts.what)
	}
}
