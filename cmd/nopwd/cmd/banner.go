package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _ __   ___  _ ____      ____| |
 | '_ \ / _ \| '_ \ \ /\ / / _` + "`" + ` |
 | | | | (_) | |_) \ V  V / (_| |
 |_| |_|\___/| .__/ \_/\_/ \__,_|
             |_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Passwordless sign-in - Version %s\x1b[0m\n\n", Version)
}
