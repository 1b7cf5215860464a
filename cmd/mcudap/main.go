// Package main is the entry point for the mcudap debug adapter.
package main

func main() {
	execute()
}
