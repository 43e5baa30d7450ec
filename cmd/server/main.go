package main

import "github.com/eleven-am/scene-backend/internal/bootstrap"

func main() {
	bootstrap.Run()
}
