package config

import (
	"sort"
	"strings"

	"github.com/jpalmerr/pagesync"
)

// BuildTasks converts parsed configuration into SDK Task objects, in file order.
func BuildTasks(cfg *Config) ([]pagesync.Task, error) {
	tasks := make([]pagesync.Task, 0, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		t, err := buildTask(tc)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// BuildOptions converts parsed configuration into the options for
// [pagesync.New]: the tasks, the dashboard settings and the long poll.
// Callers append their own options, such as a logger.
func BuildOptions(cfg *Config) ([]pagesync.Option, error) {
	tasks, err := BuildTasks(cfg)
	if err != nil {
		return nil, err
	}

	opts := []pagesync.Option{
		pagesync.WithTasks(tasks...),
		pagesync.WithPort(cfg.Port),
	}
	if cfg.Title != "" {
		opts = append(opts, pagesync.WithTitle(cfg.Title))
	}

	if lp := cfg.LongPoll; lp != nil {
		opts = append(opts, pagesync.WithLongPoll(lp.Queue, lp.URI))
		if lp.MaxFailedAttempts > 0 {
			opts = append(opts, pagesync.WithMaxFailedAttempts(lp.MaxFailedAttempts))
		}
		if lp.RetryDelay > 0 {
			opts = append(opts, pagesync.WithRetryDelay(lp.RetryDelay.Duration()))
		}
		if lp.Timeout > 0 {
			opts = append(opts, pagesync.WithLongPollTimeout(lp.Timeout.Duration()))
		}
		if lp.StartEvent != "" || lp.FailureEvent != "" {
			opts = append(opts, pagesync.WithLongPollEvents(
				orDefault(lp.StartEvent, pagesync.DefaultLongPollStartEvent),
				orDefault(lp.FailureEvent, pagesync.DefaultLongPollFailureEvent),
			))
		}
		if lp.Repoll != nil {
			opts = append(opts, pagesync.WithRepoll(*lp.Repoll))
		}
	}

	return opts, nil
}

// buildTask converts a single TaskConfig to an SDK Task.
func buildTask(tc TaskConfig) (pagesync.Task, error) {
	opts := []pagesync.TaskOption{
		pagesync.WithInterval(tc.Interval.Duration()),
		pagesync.WithProcessingTimes(tc.ShortProcessingTime.Duration(), tc.LongProcessingTime.Duration()),
	}

	if tc.Timeout != 0 {
		opts = append(opts, pagesync.WithTimeout(tc.Timeout.Duration()))
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, pagesync.WithHeaders(mapToKeyValuePairs(tc.Headers)...))
	}
	if len(tc.Data) > 0 {
		opts = append(opts, pagesync.WithInitialData(tc.Data))
	}

	opts = append(opts, pagesync.WithApply(buildApply(tc.Apply)))

	var selector *pagesync.PendingSelector
	if p := tc.Params.Pending; p != nil {
		selector = &pagesync.PendingSelector{
			List:        p.List,
			IDField:     p.IDField,
			StatusField: p.StatusField,
			Pending:     p.Pending,
			Param:       p.Param,
		}
		opts = append(opts, pagesync.WithParams(pagesync.PendingParams(*selector)))
	} else if len(tc.Params.Static) > 0 {
		opts = append(opts, pagesync.WithParams(pagesync.StaticParams(tc.Params.Static)))
	}

	switch tc.StopWhen.Type {
	case "no_pending":
		if selector != nil {
			opts = append(opts, pagesync.WithStopCheck(pagesync.StopWhenNoPending(*selector)))
		}
	case "field":
		opts = append(opts, pagesync.WithStopCheck(pagesync.StopWhenField(tc.StopWhen.Path, tc.StopWhen.Value)))
	}

	return pagesync.NewTask(tc.Name, tc.URI, tc.Operation, opts...)
}

// buildApply converts ApplyConfig to an ApplyFunc. Empty means merge.
func buildApply(ac ApplyConfig) pagesync.ApplyFunc {
	switch ac.Type {
	case "replace":
		return pagesync.ReplaceApply
	case "field":
		key := ac.Key
		if key == "" {
			key = ac.Path[strings.LastIndex(ac.Path, ".")+1:]
		}
		return pagesync.FieldApply(ac.Path, key)
	default:
		return pagesync.MergeApply
	}
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
