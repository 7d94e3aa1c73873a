package bulkops

import (
	"context"

	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/models"
)

// DeployScript fingerprints the script and fans it out to the target agents
// as an execute_script bulk operation. Agents verify the checksum before
// running anything.
func (c *Coordinator) DeployScript(ctx context.Context, name, content, scriptType string, targets []string) (*models.ScriptDeployment, error) {
	script, err := models.NewScriptDeployment(name, content, scriptType, targets)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"script_id":      script.ID,
		"script_name":    script.Name,
		"script_content": script.Content,
		"script_type":    script.ScriptType,
		"checksum":       script.Checksum,
	}

	op, err := c.Create(ctx, models.CommandTypeExecuteScript, targets, payload)
	if err != nil {
		return nil, err
	}

	script.OperationID = op.ID
	if err := c.store.CreateScript(ctx, script); err != nil {
		return nil, err
	}

	c.logger.Info("script deployed",
		logging.String("script_id", script.ID),
		logging.String("script_name", script.Name),
		logging.String("operation_id", op.ID),
		logging.String("checksum", script.Checksum))

	return script, nil
}

// ScriptStatus returns the deployment's script record plus the folded status
// of its underlying bulk operation
func (c *Coordinator) ScriptStatus(ctx context.Context, scriptID string) (*models.ScriptDeployment, *OperationView, error) {
	script, err := c.store.GetScript(ctx, scriptID)
	if err != nil {
		return nil, nil, err
	}

	view, err := c.Get(ctx, script.OperationID)
	if err != nil {
		return script, nil, err
	}

	return script, view, nil
}
