package main

import "smart-mail-sorter-go/internal/app"

func main() {
	app.Execute()
}
