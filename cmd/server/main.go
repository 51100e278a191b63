package main

import (
	"github.com/eleven-am/callstream/internal/bootstrap"
)

func main() {
	bootstrap.Run()
}
