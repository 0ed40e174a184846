// Command biobank-intake runs the questionnaire intake API and its
// maintenance commands.
package main

import "github.com/tbourn/biobank-intake/internal/cli"

func main() {
	cli.Execute()
}
