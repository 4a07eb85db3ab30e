package main

import (
	"os"

	"mechlink/chatcore/internal/app"
)

func main() {
	os.Exit(app.Run())
}
