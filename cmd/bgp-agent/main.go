// Command bgp-agent is a natural-language front end to a running bgpd: it
// answers operator questions by calling the control socket through Claude
// tool use.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/cosiner/flag"

	"github.com/stiltzkin10/bgp-ai-agent/internal/mgmt"
)

const defaultSocket = "/tmp/bgpd.sock"

const systemPrompt = `You are a senior Network Operations Center (NOC) engineer.
Use the provided tools to inspect the BGP RIB and neighbor states before answering user questions.
Always check the neighbor status before assuming routes are exchanging.
When asked about routes, use get_routes_received or get_routes_advertised as appropriate.
Provide concise, accurate answers based on the actual data from the tools.`

type arguments struct {
	Socket string `names:"-s, --socket" usage:"path to the daemon control socket" default:"/tmp/bgpd.sock"`
	APIKey string `names:"-k, --api-key" usage:"Anthropic API key (defaults to ANTHROPIC_API_KEY)"`
}

type agent struct {
	client *anthropic.Client
	mgmt   *mgmt.Client
}

func main() {
	var args arguments
	if err := flag.NewFlagSet(flag.Flag{}).ParseStruct(&args, os.Args...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if args.Socket == "" {
		args.Socket = defaultSocket
	}
	if args.APIKey == "" {
		args.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if args.APIKey == "" {
		fmt.Fprintln(os.Stderr, "bgp-agent: no API key, set ANTHROPIC_API_KEY or pass --api-key")
		os.Exit(1)
	}

	ctl, err := mgmt.NewClient(args.Socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bgp-agent: %s\n", err)
		os.Exit(1)
	}
	client := anthropic.NewClient(option.WithAPIKey(args.APIKey))
	a := &agent{client: &client, mgmt: ctl}

	fmt.Println("--- AI Network Analyst (type 'exit' to quit) ---")
	scanner := bufio.NewScanner(os.Stdin)
	var history []anthropic.MessageParam
	for {
		fmt.Print(">: ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(line)))
		history, err = a.turn(context.Background(), history)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bgp-agent: %s\n", err)
		}
	}
}

// turn runs one conversation turn, looping while the model keeps requesting
// tools, and returns the extended history.
func (a *agent) turn(ctx context.Context, history []anthropic.MessageParam) ([]anthropic.MessageParam, error) {
	for {
		resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.ModelClaude3_5Sonnet20241022,
			MaxTokens: 2048,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages:  history,
			Tools:     toolDefinitions(),
		})
		if err != nil {
			return history, err
		}
		history = append(history, resp.ToParam())

		var results []anthropic.ContentBlockParamUnion
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				fmt.Println(block.AsText().Text)
			case "tool_use":
				tool := block.AsToolUse()
				output, toolErr := a.callTool(tool.Name, tool.Input)
				if toolErr != nil {
					results = append(results, anthropic.NewToolResultBlock(tool.ID, toolErr.Error(), true))
					continue
				}
				results = append(results, anthropic.NewToolResultBlock(tool.ID, output, false))
			}
		}
		if len(results) == 0 {
			return history, nil
		}
		history = append(history, anthropic.NewUserMessage(results...))
	}
}

type toolArgs struct {
	Peer string `json:"peer"`
	ASN  uint16 `json:"asn"`
}

// callTool executes one tool request against the control socket and returns
// its JSON result.
func (a *agent) callTool(name string, input interface{}) (string, error) {
	var args toolArgs
	if raw, err := json.Marshal(input); err == nil {
		json.Unmarshal(raw, &args)
	}
	switch name {
	case "get_neighbor_stats":
		neighbors, err := a.mgmt.ShowNeighbors("")
		if err != nil {
			return "", err
		}
		return toJSON(neighbors)
	case "get_routes_received":
		routes, err := a.mgmt.ShowRoutesReceived(args.Peer)
		if err != nil {
			return "", err
		}
		return toJSON(routes)
	case "get_routes_advertised":
		routes, err := a.mgmt.ShowRoutesAdvertised(args.Peer)
		if err != nil {
			return "", err
		}
		return toJSON(routes)
	case "count_peers_in_asn":
		neighbors, err := a.mgmt.ShowNeighbors("")
		if err != nil {
			return "", err
		}
		count := 0
		for _, n := range neighbors {
			if n.RemoteAS == args.ASN {
				count++
			}
		}
		return fmt.Sprintf("%d", count), nil
	default:
		return "", fmt.Errorf("unknown tool <%s>", name)
	}
}

func toJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toolDefinitions() []anthropic.ToolUnionParam {
	peerProp := map[string]interface{}{
		"peer": map[string]interface{}{
			"type":        "string",
			"description": "optional neighbor address to restrict the query to",
		},
	}
	return []anthropic.ToolUnionParam{
		tool("get_neighbor_stats", nil, nil),
		tool("get_routes_received", peerProp, nil),
		tool("get_routes_advertised", peerProp, nil),
		tool("count_peers_in_asn", map[string]interface{}{
			"asn": map[string]interface{}{
				"type":        "integer",
				"description": "the autonomous system number to count peers for",
			},
		}, []string{"asn"}),
	}
}

func tool(name string, properties map[string]interface{}, required []string) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
	if properties != nil {
		schema.Properties = properties
	}
	if required != nil {
		schema.Required = required
	}
	return anthropic.ToolUnionParamOfTool(schema, name)
}
