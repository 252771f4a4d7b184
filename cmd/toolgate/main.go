// toolgate — policy kernel between AI agents and their tools.
package main

import "github.com/ppiankov/toolgate/internal/cli"

func main() {
	cli.Execute()
}
