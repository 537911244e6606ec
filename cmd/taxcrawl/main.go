// Command taxcrawl crawls tax documents from the portal, either as a
// long-running API server or as a one-shot job.
package main

func main() {
	Execute()
}
