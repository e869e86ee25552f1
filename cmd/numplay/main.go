// Command numplay runs the logistic regression playgrounds from a terminal
// or over HTTP.
package main

func main() {
	Execute()
}
