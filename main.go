// Command scraper runs the marketplace batch scraper.
package main

import "github.com/JakeFAU/marketplace-scraper/cmd"

func main() {
	cmd.Execute()
}
