package maps

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/dMap/cmd/util"
	"github.com/ValentinKolb/dMap/lib/query"
	"github.com/spf13/cobra"
)

var (
	putTTL time.Duration

	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			key := args[0]
			if resp, ok, err := rpcMap.Get(ctx, []byte(key)); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%v, value=%s\n", key, ok, resp)
			}
			return nil
		},
	}
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Stores the value for a key and prints the previous value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			key, value := []byte(args[0]), []byte(args[1])

			var old []byte
			var existed bool
			var err error
			if putTTL > 0 {
				old, existed, err = rpcMap.PutWithTTL(ctx, key, value, putTTL)
			} else {
				old, existed, err = rpcMap.Put(ctx, key, value)
			}
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, existed=%v, old=%s\n", args[0], existed, old)
			return nil
		},
	}
	putIfAbsentCmd = &cobra.Command{
		Use:   "put-if-absent [key] [value]",
		Short: "Stores the value for a key if the key is not already set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			current, stored, err := rpcMap.PutIfAbsent(ctx, []byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, stored=%v, current=%s\n", args[0], stored, current)
			return nil
		},
	}
	removeCmd = &cobra.Command{
		Use:   "remove [key]",
		Short: "Removes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			old, existed, err := rpcMap.Remove(ctx, []byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, existed=%v, old=%s\n", args[0], existed, old)
			return nil
		},
	}
	containsCmd = &cobra.Command{
		Use:   "contains [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if found, err := rpcMap.ContainsKey(ctx, []byte(args[0])); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%t\n", args[0], found)
			}
			return nil
		},
	}
	evictCmd = &cobra.Command{
		Use:   "evict [key]",
		Short: "Evicts a key without removing it from the map store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if evicted, err := rpcMap.Evict(ctx, []byte(args[0])); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, evicted=%t\n", args[0], evicted)
			}
			return nil
		},
	}
	sizeCmd = &cobra.Command{
		Use:   "size",
		Short: "Prints the number of entries of the map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if size, err := rpcMap.Size(ctx); err != nil {
				return err
			} else {
				fmt.Printf("map=%s, size=%d\n", rpcMap.Name(), size)
			}
			return nil
		},
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Removes all entries of the map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if n, err := rpcMap.Clear(ctx); err != nil {
				return err
			} else {
				fmt.Printf("map=%s, removed=%d\n", rpcMap.Name(), n)
			}
			return nil
		},
	}
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Lists all keys of the map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			keys, err := rpcMap.KeySet(ctx, nil)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(string(k))
			}
			return nil
		},
	}
	indexCmd = &cobra.Command{
		Use:   "index [attribute]",
		Short: "Adds an index on an attribute of the values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			ordered, _ := cmd.Flags().GetBool("ordered")
			if err := rpcMap.AddIndex(ctx, args[0], ordered); err != nil {
				return err
			}
			fmt.Printf("index on %s added (ordered=%v)\n", args[0], ordered)
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints the statistics of the map per member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			stats, err := rpcMap.MapStats(ctx)
			if err != nil {
				return err
			}
			for _, s := range stats {
				fmt.Printf("member=%s, entries=%d, heap-cost=%d, locked=%d, pending-writes=%d, balance=%.2f\n",
					s.Member, s.Entries, s.HeapCost, s.LockedKeys, s.PendingWrites, s.Balance.Quality)
			}
			return nil
		},
	}
	destroyCmd = &cobra.Command{
		Use:   "destroy",
		Short: "Destroys the map on every member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.Context()
			defer cancel()
			if err := rpcMap.Destroy(ctx); err != nil {
				return err
			}
			fmt.Printf("map=%s destroyed\n", rpcMap.Name())
			return nil
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [attribute] [op] [value]",
		Short: "Lists the entries whose attribute matches (op: eq, ne, gt, ge, lt, le, like)",
		Long:  "Lists the entries whose attribute matches. The attribute is a json field of the value (dot separated for nested fields) or __key for the key. Numeric values are compared as numbers.",
		Args:  cobra.ExactArgs(3),
		RunE:  runQuery,
	}
)

func init() {
	putCmd.Flags().DurationVar(&putTTL, "ttl", 0, util.WrapString("Time to live of the entry, 0 uses the ttl of the map"))
	indexCmd.Flags().Bool("ordered", false, util.WrapString("Create an ordered index that also serves range queries"))
	queryCmd.Flags().String("sort", "", util.WrapString("Attribute to sort by, enables paging"))
	queryCmd.Flags().Bool("desc", false, util.WrapString("Sort descending"))
	queryCmd.Flags().Int("page-size", 20, util.WrapString("Entries per page if --sort is set"))
	queryCmd.Flags().Int("page", 0, util.WrapString("Page to print if --sort is set"))
}

func runQuery(cmd *cobra.Command, args []string) error {
	p, err := parsePredicate(args[0], args[1], args[2])
	if err != nil {
		return err
	}

	ctx, cancel := util.Context()
	defer cancel()

	var entries []query.Entry
	if sortBy, _ := cmd.Flags().GetString("sort"); sortBy != "" {
		desc, _ := cmd.Flags().GetBool("desc")
		size, _ := cmd.Flags().GetInt("page-size")
		page, _ := cmd.Flags().GetInt("page")
		pp, err := query.NewPagingPredicate(p, query.Order{SortBy: &query.SortBy{Attribute: sortBy, Descending: desc}}, size)
		if err != nil {
			return err
		}
		pp.SetPage(page)
		entries, err = rpcMap.EntrySetPage(ctx, pp)
		if err != nil {
			return err
		}
	} else if entries, err = rpcMap.EntrySet(ctx, p); err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Printf("%s=%s\n", e.Key, e.Value)
	}
	fmt.Printf("(%d entries)\n", len(entries))
	return nil
}

// parsePredicate builds a predicate from the query command arguments
func parsePredicate(attribute, op, raw string) (*query.Predicate, error) {
	var v any = raw
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		v = f
	} else if b, err := strconv.ParseBool(raw); err == nil {
		v = b
	}

	switch op {
	case "eq":
		return query.Equal(attribute, v), nil
	case "ne":
		return query.NotEqual(attribute, v), nil
	case "gt":
		return query.GreaterThan(attribute, v), nil
	case "ge":
		return query.GreaterEqual(attribute, v), nil
	case "lt":
		return query.LessThan(attribute, v), nil
	case "le":
		return query.LessEqual(attribute, v), nil
	case "like":
		return query.Like(attribute, raw), nil
	default:
		return nil, fmt.Errorf("invalid operator %q (expected eq, ne, gt, ge, lt, le or like)", op)
	}
}
