// Package main is the entry point for dodal, the beamline device service.
package main

func main() {
	Execute()
}
