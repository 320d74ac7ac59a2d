// Command multibit trains a quantizable classifier at several bit-widths at
// once with recursive self-distillation.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
