package main

import (
	"encoding/json"
	"fmt"
	"io"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func errStrings(m map[string]error) map[string]string {
	out := make(map[string]string, len(m))
	for k, err := range m {
		out[k] = err.Error()
	}
	return out
}
