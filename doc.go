/*
Package schlange documents the Schlange module.

This module is CLI-first and ships the schlange command:

	go install github.com/nuetzliches/schlange/cmd/schlange@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package schlange
