//go:build unix

// Command shmctl serves and fetches shared picture buffers and inspects the
// process clock.
package main

func main() {
	execute()
}
