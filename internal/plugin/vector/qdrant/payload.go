package qdrant

import (
	"github.com/chirino/graph-memory-service/internal/model"
	pb "github.com/qdrant/go-client/qdrant"
)

// chunkToPayload flattens a chunk into a Qdrant payload map. Field names
// match the chunk's JSON tags so filters and backups agree on one schema.
func chunkToPayload(chunk model.Chunk) map[string]*pb.Value {
	payload := map[string]*pb.Value{
		"text":           stringValue(chunk.Text),
		"index":          intValue(int64(chunk.Index)),
		"total_chunks":   intValue(int64(chunk.TotalChunks)),
		"doc_id":         stringValue(chunk.DocID),
		"memory_id":      stringValue(chunk.MemoryID),
		"filename":       stringValue(chunk.Filename),
		"char_count":     intValue(int64(chunk.CharCount)),
		"token_estimate": intValue(int64(chunk.TokenEstimate)),
	}
	if chunk.SectionTitle != "" {
		payload["section_title"] = stringValue(chunk.SectionTitle)
	}
	if chunk.ArticleNumber != "" {
		payload["article_number"] = stringValue(chunk.ArticleNumber)
	}
	if len(chunk.HeadingHierarchy) > 0 {
		values := make([]*pb.Value, len(chunk.HeadingHierarchy))
		for i, h := range chunk.HeadingHierarchy {
			values[i] = stringValue(h)
		}
		payload["heading_hierarchy"] = &pb.Value{
			Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: values}},
		}
	}
	return payload
}

func payloadToChunk(payload map[string]*pb.Value) model.Chunk {
	chunk := model.Chunk{
		Text:          payload["text"].GetStringValue(),
		Index:         int(payload["index"].GetIntegerValue()),
		TotalChunks:   int(payload["total_chunks"].GetIntegerValue()),
		DocID:         payload["doc_id"].GetStringValue(),
		MemoryID:      payload["memory_id"].GetStringValue(),
		Filename:      payload["filename"].GetStringValue(),
		SectionTitle:  payload["section_title"].GetStringValue(),
		ArticleNumber: payload["article_number"].GetStringValue(),
		CharCount:     int(payload["char_count"].GetIntegerValue()),
		TokenEstimate: int(payload["token_estimate"].GetIntegerValue()),
	}
	if list := payload["heading_hierarchy"].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			chunk.HeadingHierarchy = append(chunk.HeadingHierarchy, v.GetStringValue())
		}
	}
	return chunk
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: i}}
}
