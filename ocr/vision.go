// Copyright 2026 Credence
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// VisionOCR is the accurate second tier.
type VisionOCR interface {
	ExtractText(ctx context.Context, imagePNG []byte) (*TierResult, error)
}

// bedrockInvoker is the slice of the Bedrock runtime client the vision tier
// uses; tests substitute a fake.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockVision extracts text with a multimodal Anthropic model on AWS
// Bedrock. The model has no word-level confidences, so confidence is
// estimated from completion signals.
type BedrockVision struct {
	client bedrockInvoker
	model  string
}

const visionPrompt = `Transcribe all text in this scanned document image exactly as written, preserving line breaks. Mark any word you cannot read as [illegible]. Output only the transcription.`

// NewBedrockVision builds the vision tier using AWS SDK default credentials.
func NewBedrockVision(region, model string) (*BedrockVision, error) {
	if region == "" {
		region = "us-east-1"
	}
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	log.Printf("[OCR] Bedrock vision tier initialized (region: %s, model: %s)", region, model)
	return &BedrockVision{
		client: bedrockruntime.NewFromConfig(awsCfg),
		model:  model,
	}, nil
}

// NewBedrockVisionWithClient wires an explicit invoker; tests use this.
func NewBedrockVisionWithClient(client bedrockInvoker, model string) *BedrockVision {
	return &BedrockVision{client: client, model: model}
}

type visionResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// ExtractText sends the page to the multimodal model and estimates a
// confidence from how the completion ended and how much of the output the
// model marked illegible.
func (v *BedrockVision) ExtractText(ctx context.Context, imagePNG []byte) (*TierResult, error) {
	body := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages": []map[string]interface{}{
			{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type": "image",
						"source": map[string]interface{}{
							"type":       "base64",
							"media_type": "image/png",
							"data":       base64.StdEncoding.EncodeToString(imagePNG),
						},
					},
					{"type": "text", "text": visionPrompt},
				},
			},
		},
	}

	requestJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vision request: %w", err)
	}

	output, err := v.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(v.model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock vision call failed: %w", err)
	}

	var resp visionResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse vision response: %w", err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	extracted := strings.TrimSpace(text.String())
	confidence, warnings := estimateVisionConfidence(extracted, resp.StopReason)
	return &TierResult{
		Text:       extracted,
		Confidence: confidence,
		Tier:       TierAIVision,
		Warnings:   warnings,
	}, nil
}

// estimateVisionConfidence maps completion signals onto the 0-100 scale:
// a clean end_turn starts at 92, a truncated completion at 70, and every
// [illegible] marker costs 3 points relative to output length.
func estimateVisionConfidence(text, stopReason string) (float64, []string) {
	if text == "" {
		return 0, []string{"low_confidence"}
	}

	confidence := 92.0
	var warnings []string
	if stopReason != "end_turn" {
		confidence = 70.0
		warnings = append(warnings, fmt.Sprintf("completion stopped early: %s", stopReason))
	}

	illegible := strings.Count(strings.ToLower(text), "[illegible]")
	if illegible > 0 {
		words := len(strings.Fields(text))
		penalty := float64(illegible) * 3.0
		if words > 0 && float64(illegible)/float64(words) > 0.2 {
			penalty *= 2
		}
		confidence -= penalty
		warnings = append(warnings, fmt.Sprintf("%d illegible regions", illegible))
	}

	if confidence < 0 {
		confidence = 0
	}
	return confidence, warnings
}
