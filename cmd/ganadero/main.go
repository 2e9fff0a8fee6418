// ganadero is the offline-first sync CLI for ranch records: it records
// mutations into a durable local queue and reconciles them with the remote
// authority when connectivity allows.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
