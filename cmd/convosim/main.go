// Command convosim drives the conversation engine against an in-memory
// transport and store, for manual inspection of the end-to-end sync
// scenarios. It is not itself part of the engine; it is the harness that
// exercises it, the simulation-side counterpart to a production process
// that would wire the same Engine against real sockets and disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskline/convo/transport"
	"github.com/duskline/convo/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "convosim",
		Short: "Run a two-device conversation-engine simulation scenario",
	}
	root.AddCommand(newSyncCmd())
	root.AddCommand(newHibernateCmd())
	return root
}

func newSyncCmd() *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Alice authors a text node; report how long Bob takes to verify it",
		RunE: func(cmd *cobra.Command, args []string) error {
			conv := types.ConversationId{0x42}
			net := transport.NewMemNetwork()
			clock := NewManualTimeProvider(0)

			alice, err := NewDevice("alice", conv, clock, net)
			if err != nil {
				return err
			}
			bob, err := NewDevice("bob", conv, clock, net)
			if err != nil {
				return err
			}

			var root [32]byte
			for i := range root {
				root[i] = 0xAA
			}
			alice.EstablishEpochZero(root, clock.Now())
			bob.EstablishEpochZero(root, clock.Now())
			alice.Connect(bob)

			if _, err := alice.AuthorText("Alice Message"); err != nil {
				return err
			}

			devices := []*Device{alice, bob}
			for i := 0; i < rounds; i++ {
				for _, d := range devices {
					d.Clock.Advance(500)
				}
				for _, d := range devices {
					d.Poll()
					d.DrainInbox()
				}
				if bob.VerifiedCount() >= 1 {
					fmt.Printf("bob verified alice's message after %d rounds (%dms simulated)\n", i+1, clock.Now())
					return nil
				}
			}
			return fmt.Errorf("bob never caught up within %d rounds", rounds)
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 20, "maximum simulated poll rounds before giving up")
	return cmd
}

func newHibernateCmd() *cobra.Command {
	var partitionedMessages int
	cmd := &cobra.Command{
		Use:   "hibernate",
		Short: "Partition Bob while Alice authors several nodes, then heal and report catch-up",
		RunE: func(cmd *cobra.Command, args []string) error {
			conv := types.ConversationId{0x43}
			net := transport.NewMemNetwork()
			clock := NewManualTimeProvider(0)

			alice, err := NewDevice("alice", conv, clock, net)
			if err != nil {
				return err
			}
			bob, err := NewDevice("bob", conv, clock, net)
			if err != nil {
				return err
			}

			var root [32]byte
			for i := range root {
				root[i] = 0xBB
			}
			alice.EstablishEpochZero(root, clock.Now())
			bob.EstablishEpochZero(root, clock.Now())
			alice.Connect(bob)

			devices := []*Device{alice, bob}
			poll := func(n int, stepMs int64) {
				for i := 0; i < n; i++ {
					for _, d := range devices {
						d.Clock.Advance(stepMs)
					}
					for _, d := range devices {
						d.Poll()
						d.DrainInbox()
					}
				}
			}

			poll(10, 500)
			fmt.Printf("before partition: bob verified=%d\n", bob.VerifiedCount())

			SetReachable(net, bob, false)
			for i := 0; i < partitionedMessages; i++ {
				if _, err := alice.AuthorText("partitioned message"); err != nil {
					return err
				}
			}
			poll(5, 60_000)
			fmt.Printf("during partition: bob verified=%d (alice has authored %d more)\n", bob.VerifiedCount(), partitionedMessages)

			SetReachable(net, bob, true)
			alice.Connect(bob)
			poll(40, 1_000)
			fmt.Printf("after heal: bob verified=%d\n", bob.VerifiedCount())
			return nil
		},
	}
	cmd.Flags().IntVar(&partitionedMessages, "messages", 10, "text nodes alice authors while bob is partitioned")
	return cmd
}
