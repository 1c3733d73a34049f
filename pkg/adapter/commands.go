package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/castellan-io/castellan/pkg/catalog"
)

// Device commands do not template cleanly: the two dialects expose them at
// unrelated paths with unrelated shapes, so each gets a bespoke handler.

func (c *Client) executePolicyAttempts() []attempt {
	const op = "executePolicy"
	return []attempt{
		{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				body := map[string]any{}
				if devices := optArgStrings(args, 1); len(devices) > 0 {
					body["deviceIds"] = devices
				}
				return c.modernJSON(ctx, op, http.MethodPost,
					"/api/v1/policies/"+url.PathEscape(id)+"/retry", nil, body)
			},
		},
		{
			dialect: catalog.DialectClassic,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				// Classic triggers a policy by flagging it for re-run.
				return c.classicXML(ctx, op, http.MethodPut,
					"/JSSResource/policies/id/"+url.PathEscape(id), "policy",
					map[string]any{"general": map[string]any{"trigger_checkin": true}})
			},
		},
	}
}

func (c *Client) deployScriptAttempts() []attempt {
	const op = "deployScript"
	return []attempt{{
		dialect: catalog.DialectModern,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			body := map[string]any{"targetIds": optArgStrings(args, 1)}
			return c.modernJSON(ctx, op, http.MethodPost,
				"/api/v1/scripts/"+url.PathEscape(id)+"/run", nil, body)
		},
	}}
}

func (c *Client) profileCommandAttempts(op, action string) []attempt {
	return []attempt{{
		dialect: catalog.DialectModern,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			body := map[string]any{"deviceIds": optArgStrings(args, 1)}
			return c.modernJSON(ctx, op, http.MethodPost,
				"/api/v1/config-profiles/"+url.PathEscape(id)+"/"+action, nil, body)
		},
	}}
}

func (c *Client) sendMDMCommandAttempts() []attempt {
	const op = "sendMDMCommand"
	return []attempt{
		{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				command, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				devices := optArgStrings(args, 1)
				body := map[string]any{
					"commandData": map[string]any{"commandType": command},
					"clientData":  deviceClientData(devices),
				}
				return c.modernJSON(ctx, op, http.MethodPost, "/api/v1/mdm/commands", nil, body)
			},
		},
		{
			dialect: catalog.DialectClassic,
			run: func(ctx context.Context, args []any) (any, error) {
				command, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				devices := optArgStrings(args, 1)
				if len(devices) == 0 {
					return nil, &APIError{Operation: op, Category: CategoryValidation,
						Message: "at least one target device is required"}
				}
				path := "/JSSResource/computercommands/command/" + url.PathEscape(command) +
					"/id/" + url.PathEscape(strings.Join(devices, ","))
				return c.classicXML(ctx, op, http.MethodPost, path, "computer_command", map[string]any{})
			},
		},
	}
}

// lockDevice takes a device id and an optional passcode/PIN.
func (c *Client) lockDeviceAttempts() []attempt {
	const op = "lockDevice"
	return []attempt{
		{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				body := map[string]any{}
				if len(args) > 1 && args[1] != nil {
					body["pin"] = args[1]
				}
				if len(args) > 2 && args[2] != nil {
					body["message"] = args[2]
				}
				return c.modernJSON(ctx, op, http.MethodPost,
					"/api/v1/computers-inventory/"+url.PathEscape(id)+"/device-lock", nil, body)
			},
		},
		c.classicComputerCommand(op, "DeviceLock"),
	}
}

// deviceCommandAttempts covers single-target commands that share the
// modern action-suffix shape: erase, restart, update-inventory.
func (c *Client) deviceCommandAttempts(op, modernAction, classicCommand string) []attempt {
	return []attempt{
		{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				return c.modernJSON(ctx, op, http.MethodPost,
					"/api/v1/computers-inventory/"+url.PathEscape(id)+"/"+modernAction, nil, map[string]any{})
			},
		},
		c.classicComputerCommand(op, classicCommand),
	}
}

func (c *Client) classicComputerCommand(op, command string) attempt {
	return attempt{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			path := "/JSSResource/computercommands/command/" + url.PathEscape(command) +
				"/id/" + url.PathEscape(id)
			return c.classicXML(ctx, op, http.MethodPost, path, "computer_command", map[string]any{})
		},
	}
}

func (c *Client) clearPasscodeAttempts() []attempt {
	const op = "clearPasscode"
	return []attempt{
		{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				body := map[string]any{
					"commandData": map[string]any{"commandType": "CLEAR_PASSCODE"},
					"clientData":  deviceClientData([]string{id}),
				}
				return c.modernJSON(ctx, op, http.MethodPost, "/api/v1/mdm/commands", nil, body)
			},
		},
		{
			dialect: catalog.DialectClassic,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				path := "/JSSResource/mobiledevicecommands/command/ClearPasscode/id/" + url.PathEscape(id)
				return c.classicXML(ctx, op, http.MethodPost, path, "mobile_device_command", map[string]any{})
			},
		},
	}
}

// flushCommands clears pending or failed commands for one computer. The
// second argument selects the status bucket, default "Pending+Failed".
func (c *Client) flushCommandsAttempts() []attempt {
	const op = "flushCommands"
	return []attempt{{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			status := "Pending+Failed"
			if len(args) > 1 && args[1] != nil {
				status = url.PathEscape(fmt.Sprintf("%v", args[1]))
			}
			path := "/JSSResource/commandflush/computers/id/" + url.PathEscape(id) + "/status/" + status
			return c.classicJSON(ctx, op, http.MethodDelete, path)
		},
	}}
}

func deviceClientData(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"managementId": id})
	}
	return out
}
