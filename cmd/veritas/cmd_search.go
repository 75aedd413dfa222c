package main

import (
	"bufio"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"veritas/api/internal/search"
)

func newSearchCmd(e *env) *cobra.Command {
	var settleFor time.Duration
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Interactive user search fed from stdin",
		Long: `Reads stdin line by line; each line is the full contents of the search box, as if
typed. Queries are debounced, and only the result for the latest line is shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			syncer, teardown, err := e.mount(ctx)
			if err != nil {
				return err
			}
			defer teardown()
			input := search.NewInput(e.client.Search, syncer.CurrentUserID, search.InputOptions{
				Debounce: e.cfg.SearchDebounce,
				Limit:    e.cfg.SearchLimit,
				Logger:   e.log,
			})

			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for st := range input.Updates() {
					printInputState(e, st)
				}
			}()

			scanner := bufio.NewScanner(e.in)
			for scanner.Scan() {
				input.Type(scanner.Text())
			}

			// Give the last keystroke time to debounce and resolve.
			deadline := time.After(e.cfg.SearchDebounce + settleFor)
			tick := time.NewTicker(20 * time.Millisecond)
		wait:
			for {
				switch input.State().Phase {
				case search.Debouncing, search.Querying:
				default:
					break wait
				}
				select {
				case <-ctx.Done():
					break wait
				case <-deadline:
					break wait
				case <-tick.C:
				}
			}
			tick.Stop()

			input.Close()
			<-printed
			return scanner.Err()
		},
	}
	cmd.Flags().DurationVar(&settleFor, "settle", 5*time.Second, "How long to wait for the final query after stdin closes")
	return cmd
}

func printInputState(e *env, st search.InputState) {
	switch st.Phase {
	case search.Showing:
		fmt.Fprintf(e.out, "%q: %d result(s)\n", st.Text, len(st.Results))
		for _, r := range st.Results {
			fmt.Fprintf(e.out, "  %s  %s <%s>\n", r.ID, r.Name, r.Email)
		}
	case search.Empty:
		fmt.Fprintf(e.out, "%q: no users found\n", st.Text)
	default:
		e.log.Debug("search: state", zap.String("phase", st.Phase.String()), zap.String("text", st.Text))
	}
}
