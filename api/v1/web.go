package v1

import "net/http"

func Web() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		html := `
<!DOCTYPE html>
<html>
<head>
    <title>File Upload</title>
    <style>
        form {
            margin: 20px;
        }
        .form-group {
            margin-bottom: 10px;
        }
        progress {
            width: 300px;
        }
    </style>
</head>
<body>
    <form id="uploadForm" onsubmit="uploadFile(event)">
        <div class="form-group">
            <label for="fileInput">Select file:</label>
            <input type="file" id="fileInput" required>
        </div>
        <div class="form-group">
            <input type="submit" value="Upload File">
        </div>
        <div class="form-group">
            <progress id="uploadProgress" value="0" max="100"></progress>
            <span id="uploadState"></span>
        </div>
    </form>

    <script>
    function pollProgress(progressId, done) {
        fetch('/api/v1/progress?X-Progress-ID=' + encodeURIComponent(progressId))
            .then(response => response.json())
            .then(data => {
                const bar = document.getElementById('uploadProgress');
                document.getElementById('uploadState').textContent = data.state;
                if (data.size > 0) {
                    bar.value = Math.floor(data.received * 100 / data.size);
                }
                if (data.state === 'done' || data.state === 'error' || done()) {
                    return;
                }
                setTimeout(() => pollProgress(progressId, done), 500);
            })
            .catch(error => console.error('Error:', error));
    }

    function uploadFile(event) {
        event.preventDefault();

        const fileInput = document.getElementById('fileInput');
        const file = fileInput.files[0];

        if (!file) {
            alert('Please select a file first');
            return;
        }

        const progressId = crypto.randomUUID();
        let finished = false;

        fetch('/api/v1/binary?X-Progress-ID=' + encodeURIComponent(progressId), {
            method: 'POST',
            body: file,
            headers: {
                'X-Api-File-Name': file.name
            }
        })
        .then(response => {
            finished = true;
            pollProgress(progressId, () => true);
            if (response.ok) {
                document.getElementById('uploadForm').reset();
            } else {
                alert('Upload failed');
            }
        })
        .catch(error => {
            finished = true;
            console.error('Error:', error);
            alert('Upload failed');
        });

        pollProgress(progressId, () => finished);
    }
    </script>
</body>
</html>`

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(html))
	}
}
