// Command dcompassd runs the programmable recursive DNS front-end.
package main

import "github.com/dcompassd/dcompass/internal/cli"

func main() {
	cli.Execute()
}
