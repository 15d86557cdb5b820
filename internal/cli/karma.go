package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Everlane/lita-karma/internal/engine"
	"github.com/Everlane/lita-karma/internal/store"
)

// withEngine loads config, opens the store, and hands a ready engine to fn.
func withEngine(fn func(*engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return fn(engine.New(st, cfg.Karma, log))
}

// --- check command ---

var checkCmd = &cobra.Command{
	Use:   "check TERM",
	Short: "Show a term's karma",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine.Engine) error {
			term := strings.ToLower(strings.TrimSpace(args[0]))
			score, err := eng.Check(term)
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}

			if len(score.Links) == 0 {
				fmt.Printf("%s: %d\n", score.Term, score.Total)
				return nil
			}
			parts := make([]string, len(score.Links))
			for i, l := range score.Links {
				parts[i] = fmt.Sprintf("%s: %d", l.Term, l.Score)
			}
			fmt.Printf("%s: %d (%d), linked to: %s\n", score.Term, score.Total, score.Own, strings.Join(parts, ", "))
			return nil
		})
	},
}

// --- best / worst commands ---

var bestCmd = &cobra.Command{
	Use:   "best [N]",
	Short: "List the top N terms by karma (default 5)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(args, true)
	},
}

var worstCmd = &cobra.Command{
	Use:   "worst [N]",
	Short: "List the bottom N terms by karma (default 5)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(args, false)
	},
}

func runList(args []string, best bool) error {
	return withEngine(func(eng *engine.Engine) error {
		n := 5
		if len(args) > 0 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid count %q", args[0])
			}
			n = parsed
		}

		var ranked []store.TermScore
		var err error
		if best {
			ranked, err = eng.Best(n)
		} else {
			ranked, err = eng.Worst(n)
		}
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}

		if len(ranked) == 0 {
			fmt.Println("There are no terms being tracked yet.")
			return nil
		}
		for i, ts := range ranked {
			fmt.Printf("%d. %s (%d)\n", i+1, ts.Term, ts.Score)
		}
		return nil
	})
}

// --- modified command ---

var modifiedCmd = &cobra.Command{
	Use:   "modified TERM",
	Short: "List the users who have modified a term",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine.Engine) error {
			term := strings.ToLower(strings.TrimSpace(args[0]))
			users, err := eng.Modified(term)
			if err != nil {
				return fmt.Errorf("modified: %w", err)
			}
			if len(users) == 0 {
				fmt.Printf("%s has never been modified.\n", term)
				return nil
			}
			fmt.Println(strings.Join(users, ", "))
			return nil
		})
	},
}

// --- delete command ---

var deleteCmd = &cobra.Command{
	Use:   "delete TERM",
	Short: "Permanently remove a term and all its links",
	Long:  "Permanently removes a term, its history, and every link referencing it. TERM is matched exactly as typed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine.Engine) error {
			existed, err := eng.Delete(args[0])
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			if !existed {
				fmt.Printf("%s does not exist.\n", args[0])
				return nil
			}
			fmt.Printf("%s has been deleted.\n", args[0])
			return nil
		})
	},
}

// --- decay command ---

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one decay sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(eng *engine.Engine) error {
			stats, err := eng.Sweep()
			if err != nil {
				return fmt.Errorf("decay: %w", err)
			}
			fmt.Printf("decayed %d terms: removed %d actions, rolled back %d points",
				stats.Terms, stats.Actions, stats.Delta)
			if stats.Errors > 0 {
				fmt.Printf(" (%d terms failed)", stats.Errors)
			}
			fmt.Println()
			return nil
		})
	},
}
