package tools

import (
	"context"

	"github.com/nextlevelbuilder/agentdesk/internal/config"
	"github.com/nextlevelbuilder/agentdesk/internal/opendata"
	"github.com/nextlevelbuilder/agentdesk/internal/providers"
)

func datasetIDParam() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"dataset_id": map[string]any{
				"type":        "string",
				"description": "The dataset ID from the open-data catalog",
			},
		},
		"required": []string{"dataset_id"},
	}
}

// ListCatalog searches the open-data catalog by keyword.
type ListCatalog struct{}

func (ListCatalog) Name() string { return "list_catalog" }

func (ListCatalog) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "list_catalog",
		Description: "Search the dataset catalog with a keyword.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"q": map[string]any{
					"type":        "string",
					"description": "The dataset search keyword",
				},
			},
			"required": []string{"q"},
		},
	}
}

func (ListCatalog) Execute(ctx context.Context, ec ExecContext, args map[string]any) *Result {
	if ec.Catalog == nil {
		return ErrorResult("list_catalog: catalog unavailable")
	}
	ids, err := ec.Catalog.ListDatasets(ctx, stringArg(args, "q"), 15)
	if err != nil {
		return ErrorResult("list_catalog: %v", err)
	}
	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]string{"dataset_id": id})
	}
	return JSONResult(out)
}

// PreviewDataset returns the first rows of a dataset.
type PreviewDataset struct{}

func (PreviewDataset) Name() string { return "preview_dataset" }

func (PreviewDataset) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "preview_dataset",
		Description: "Preview the first few rows of a dataset.",
		Parameters:  datasetIDParam(),
	}
}

func (PreviewDataset) Execute(ctx context.Context, ec ExecContext, args map[string]any) *Result {
	if ec.Catalog == nil {
		return ErrorResult("preview_dataset: catalog unavailable")
	}
	rows, err := ec.Catalog.Preview(ctx, stringArg(args, "dataset_id"), 5, 200)
	if err != nil {
		return ErrorResult("preview_dataset: %v", err)
	}
	return JSONResult(rows)
}

// DatasetDescription fetches a dataset's human-written description.
type DatasetDescription struct{}

func (DatasetDescription) Name() string { return "get_dataset_description" }

func (DatasetDescription) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "get_dataset_description",
		Description: "Get the human-written description of a dataset.",
		Parameters:  datasetIDParam(),
	}
}

func (DatasetDescription) Execute(ctx context.Context, ec ExecContext, args map[string]any) *Result {
	if ec.Catalog == nil {
		return ErrorResult("get_dataset_description: catalog unavailable")
	}
	desc, err := ec.Catalog.Description(ctx, stringArg(args, "dataset_id"))
	if err != nil {
		return ErrorResult("get_dataset_description: %v", err)
	}
	return NewResult("%s", desc)
}

// DatasetFields fetches a dataset's schema.
type DatasetFields struct{}

func (DatasetFields) Name() string { return "get_dataset_fields" }

func (DatasetFields) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "get_dataset_fields",
		Description: "Get the list of fields/columns in a dataset.",
		Parameters:  datasetIDParam(),
	}
}

func (DatasetFields) Execute(ctx context.Context, ec ExecContext, args map[string]any) *Result {
	if ec.Catalog == nil {
		return ErrorResult("get_dataset_fields: catalog unavailable")
	}
	fields, err := ec.Catalog.Fields(ctx, stringArg(args, "dataset_id"))
	if err != nil {
		return ErrorResult("get_dataset_fields: %v", err)
	}
	return JSONResult(fields)
}

// SelectDataset loads a dataset into the sandbox for analysis. In HYBRID
// mode the locally mounted copy wins; otherwise the dataset is downloaded
// from the catalog (size permitting) and staged into the container.
type SelectDataset struct{}

func (SelectDataset) Name() string { return "select_dataset" }

func (SelectDataset) Definition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        "select_dataset",
		Description: "Select and load a dataset from the open-data catalog into the sandbox for analysis.",
		Parameters:  datasetIDParam(),
	}
}

func (SelectDataset) Execute(ctx context.Context, ec ExecContext, args map[string]any) *Result {
	datasetID := stringArg(args, "dataset_id")
	if datasetID == "" {
		return ErrorResult("select_dataset: missing dataset_id argument")
	}
	if ec.Sandbox == nil || ec.Catalog == nil {
		return ErrorResult("select_dataset: sandbox or catalog unavailable")
	}
	if ec.DatasetAccess == config.DatasetAccessNone {
		return ErrorResult("select_dataset: dataset access is disabled")
	}

	if ec.DatasetAccess == config.DatasetAccessHybrid {
		found, err := ec.Sandbox.HasHeavyDataset(ctx, ec.SessionKey, datasetID)
		if err == nil && found {
			path := "/heavy_data/" + datasetID + ".parquet"
			return NewResult("Dataset '%s' successfully loaded (from local storage) into sandbox at %s. "+
				"You can now read it with pandas: pd.read_parquet('%s')", datasetID, path, path)
		}
		// Local miss or check failure falls through to the API download.
	}

	if ec.Catalog.TooHeavy(ctx, datasetID, opendata.TooHeavyThreshold) {
		return NewResult("Dataset '%s' is too large (>2MB) and was not loaded. "+
			"Consider using a smaller subset or filtering the data via the API first.", datasetID)
	}

	data, err := ec.Catalog.ExportParquet(ctx, datasetID)
	if err != nil {
		return ErrorResult("Failed to download dataset '%s': %v", datasetID, err)
	}
	path, err := ec.Sandbox.StageDataset(ctx, ec.SessionKey, datasetID, data)
	if err != nil {
		return ErrorResult("Failed to stage dataset '%s' into container: %v", datasetID, err)
	}
	return NewResult("Dataset '%s' successfully loaded (downloaded from API) into sandbox at %s. "+
		"You can now read it with pandas: pd.read_parquet('%s')", datasetID, path, path)
}
