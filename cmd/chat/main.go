// Command chat is a terminal client for the streaming chat endpoint. It logs
// in, then reads messages from stdin and prints tokens as they arrive.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
)

var (
	serverURL = flag.String("url", "http://localhost:8080", "Chat server base URL")
	userID    = flag.String("user", "", "User ID to log in as")
	password  = flag.String("password", "", "Password for the user")
	token     = flag.String("token", "", "JWT to use instead of logging in")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupts
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nShutting down...")
		cancel()
		os.Exit(0)
	}()

	client := &http.Client{Timeout: 5 * time.Minute}

	jwt := *token
	if jwt == "" {
		if *userID == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "Provide -token, or -user and -password to log in")
			os.Exit(1)
		}
		var err error
		jwt, err = login(ctx, client, *serverURL, *userID, *password)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
			os.Exit(1)
		}
	}

	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Println(boldGreen("PageTalk chat"))
	fmt.Printf("Connected to %s\n", boldCyan(*serverURL))
	fmt.Println("Type your message and press Enter. Type 'exit' or press Ctrl+C to quit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(boldGreen("You: "))
		if !scanner.Scan() {
			break
		}
		userInput := scanner.Text()

		if strings.ToLower(strings.TrimSpace(userInput)) == "exit" {
			break
		}
		if strings.TrimSpace(userInput) == "" {
			continue
		}

		fmt.Print(boldCyan("Assistant: "))
		outcome, err := streamChat(ctx, client, *serverURL, jwt, userInput)
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Println()
			continue
		}
		switch outcome {
		case "quota_exceeded":
			fmt.Println(yellow("Monthly token quota reached. The reply above may be incomplete."))
		case "error":
			fmt.Println(yellow("The server could not finish the reply."))
		}
		fmt.Println()
	}
}

func login(ctx context.Context, client *http.Client, baseURL, userID, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID, "password": password})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// streamChat sends one message and prints tokens as they arrive. It returns
// the name of the terminal event so the caller can explain an early cutoff.
func streamChat(ctx context.Context, client *http.Client, baseURL, jwt, message string) (string, error) {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	event := ""
	terminal := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "token":
				var payload struct {
					Token string `json:"token"`
				}
				if err := json.Unmarshal([]byte(data), &payload); err == nil {
					fmt.Print(payload.Token)
				}
			case "done", "quota_exceeded", "error":
				terminal = event
			}
		}
		if terminal != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return terminal, err
	}
	return terminal, nil
}
