package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"cronrunner/internal/jobs"
	"cronrunner/internal/report"
)

// checkUpcoming is how many fire times Check lists per job.
const checkUpcoming = 3

// Check loads the configuration and job specification the way New does,
// prints the accepted jobs with their next fire times and every dropped
// entry, and starts nothing. It fails like New when no job is valid.
func Check(w io.Writer, opts Options) error {
	_, cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	res := jobs.Parse(string(cfg.Jobs), opts.now())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tMETHOD\tURL\tCRON\tNEXT (UTC)")
	for _, j := range res.Jobs {
		var next []string
		for _, at := range j.Schedule.Upcoming(opts.now(), checkUpcoming) {
			next = append(next, at.UTC().Format(report.TimeLayout))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.Name(), j.Method, j.URL, j.Spec, strings.Join(next, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, d := range res.Dropped {
		fmt.Fprintf(w, "dropped: %q: %s\n", d.Entry, d.Reason)
	}
	fmt.Fprintf(w, "%d accepted, %d dropped (checked at %s)\n", len(res.Jobs), len(res.Dropped), opts.now().UTC().Format(time.RFC3339))
	return res.Err()
}
