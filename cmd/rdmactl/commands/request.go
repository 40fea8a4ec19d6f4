package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fogesque/rdmarun/internal/client"
	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/endpoint"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/executor"
	"github.com/fogesque/rdmarun/internal/rdmabuf"
	"github.com/fogesque/rdmarun/internal/wire"
)

// Sentinel errors for CLI validation.
var (
	errDeviceRequired = errors.New("--device flag is required")
	errPayloadTooBig  = errors.New("--payload is larger than --size")
)

// requestQueueCapacity is the software provider's message-queue depth for
// a one-shot CLI connection; small, since a single request runs at a time.
const requestQueueCapacity = 16

func requestCmd() *cobra.Command {
	var (
		path    string
		op      string
		size    int
		payload string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request processing of one server endpoint and perform the matching local RDMA operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if deviceName == "" {
				return errDeviceRequired
			}

			serverOp, err := wire.ParseOpKind(op)
			if err != nil {
				return fmt.Errorf("parse op: %w", err)
			}

			payloadBytes, err := hex.DecodeString(payload)
			if err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
			if len(payloadBytes) > size {
				return errPayloadTooBig
			}

			dev, err := device.Open(deviceName)
			if err != nil {
				return fmt.Errorf("open device %q: %w", deviceName, err)
			}

			registry := endpoint.NewRegistry()
			buf := rdmabuf.New(size)
			registry.Register(&endpoint.Endpoint{
				ID:     endpoint.ID{Path: path, Op: complement(serverOp)},
				Buffer: buf,
			})

			cli := client.New(engine.NewSoftProvider(requestQueueCapacity), dev, registry, client.Config{
				ControlAddr: controlAddr,
				DataAddr:    dataAddr,
				Executor:    executor.Config{ConnectionTimeout: timeout},
			})
			defer cli.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := cli.Connect(ctx, dev); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			if len(payloadBytes) > 0 {
				data, err := buf.Bytes()
				if err != nil {
					return fmt.Errorf("buffer bytes: %w", err)
				}
				copy(data, payloadBytes)
			}

			if err := cli.RequestEndpointProcessing(ctx, path, serverOp); err != nil {
				return fmt.Errorf("request endpoint processing: %w", err)
			}

			data, err := buf.Bytes()
			if err != nil {
				return fmt.Errorf("buffer bytes: %w", err)
			}
			fmt.Printf("ok: %s %q transferred %d bytes\n  %s\n", serverOp, path, len(data), hex.EncodeToString(data))

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&path, "path", "", "endpoint path (required)")
	flags.StringVar(&op, "op", "", "the server endpoint's op: send, receive, write, or read (required)")
	flags.IntVar(&size, "size", 4096, "local buffer size in bytes")
	flags.StringVar(&payload, "payload", "", "hex-encoded bytes to seed the local buffer with before the transfer")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("op")

	return cmd
}

// complement mirrors session.complement: two-sided ops (send/receive) flip
// to their counterpart for the requesting client's own local endpoint;
// one-sided ops (read/write) keep the same op on both sides.
func complement(op wire.OpKind) wire.OpKind {
	switch op {
	case wire.OpSend:
		return wire.OpReceive
	case wire.OpReceive:
		return wire.OpSend
	default:
		return op
	}
}
