// cmd/kvcli is a CLI client built with Cobra, speaking the same
// length-prefixed msgpack wire protocol as a Node (§2, §12).
//
// Usage:
//
//	kvcli put mykey "hello world"  --server 127.0.0.1:6100
//	kvcli get mykey                --server 127.0.0.1:6100
//	kvcli primary-address          --server 127.0.0.1:6200
package main

import (
	"context"
	"distributed-kvstore/internal/codec"
	"distributed-kvstore/internal/netclient"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "CLI client for the replicated KV store",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"127.0.0.1:6100", "node address to connect to (client port for put/get, network port for primary-address)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second,
		"request timeout")

	root.AddCommand(putCmd(), getCmd(), primaryAddressCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			reply, err := netclient.SendCommand(ctx, serverAddr, codec.ClientCommand{
				Kind:  codec.CmdSet,
				Key:   args[0],
				Value: args[1],
			})
			if err != nil {
				return err
			}
			fmt.Printf("ok: %s = %s\n", args[0], reply.Value)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			reply, err := netclient.SendCommand(ctx, serverAddr, codec.ClientCommand{
				Kind: codec.CmdGet,
				Key:  args[0],
			})
			if err != nil {
				return err
			}
			if !reply.Present {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			fmt.Println(reply.Value)
			return nil
		},
	}
}

func primaryAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "primary-address",
		Short: "Ask a node (via its network port) who it believes the primary is",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			reply, err := netclient.SendAndAwait(ctx, serverAddr, codec.Message{
				Kind: codec.MsgPrimaryAddress,
			})
			if err != nil {
				return err
			}
			if !reply.Present {
				fmt.Println("unknown")
				return nil
			}
			fmt.Println(reply.Value)
			return nil
		},
	}
}
