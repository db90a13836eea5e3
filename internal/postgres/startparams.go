package postgres

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/pgfixture/internal/errdefs"
)

// startParams are the pg_ctl style flags accepted as start parameters.
type startParams struct {
	wait    bool
	timeout time.Duration
}

// parseStartParams understands -w/--wait, -W/--no-wait, -t/--timeout SECS
// and -s/--silent. Entries may hold several whitespace separated flags.
func parseStartParams(params []string) (startParams, error) {
	sp := startParams{wait: true}
	tokens := strings.Fields(strings.Join(params, " "))
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok == "-w" || tok == "--wait":
			sp.wait = true
		case tok == "-W" || tok == "--no-wait":
			sp.wait = false
		case tok == "-s" || tok == "--silent":
		case tok == "-t" || tok == "--timeout":
			if i+1 >= len(tokens) {
				return sp, errdefs.Config("startparams", tok+" needs a value")
			}
			i++
			d, err := parseSeconds(tokens[i])
			if err != nil {
				return sp, err
			}
			sp.timeout = d
		case strings.HasPrefix(tok, "--timeout="):
			d, err := parseSeconds(strings.TrimPrefix(tok, "--timeout="))
			if err != nil {
				return sp, err
			}
			sp.timeout = d
		case strings.HasPrefix(tok, "-t") && len(tok) > 2:
			d, err := parseSeconds(tok[2:])
			if err != nil {
				return sp, err
			}
			sp.timeout = d
		default:
			return sp, errdefs.Config("startparams", fmt.Sprintf("unsupported start parameter %q", tok))
		}
	}
	return sp, nil
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errdefs.Config("startparams", fmt.Sprintf("invalid timeout %q", v))
	}
	return time.Duration(n) * time.Second, nil
}
